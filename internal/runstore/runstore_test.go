package runstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proofworks/verihelm/internal/model"
	"github.com/proofworks/verihelm/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestCreateAndGetProject(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p, err := s.CreateProject(ctx, "demo", "deadbeef")
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestDeleteProjectRefusesWithDependentRuns(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p, err := s.CreateProject(ctx, "demo", "deadbeef")
	require.NoError(t, err)

	run := model.Run{
		ProjectID:     p.ID,
		Name:          "r1",
		Seed:          1,
		ProofMode:     model.ProofModeExact,
		PolicyVersion: 1,
		Steps: []model.StepTemplate{
			{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Model: "stub-model", Prompt: "hi"}},
		},
	}
	created, err := s.CreateRun(ctx, run)
	require.NoError(t, err)
	require.Equal(t, model.RunDraft, created.State)

	err = s.DeleteProject(ctx, p.ID)
	require.Error(t, err)
}

func TestCreateRunPersistsStepsInOrder(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p, err := s.CreateProject(ctx, "demo", "deadbeef")
	require.NoError(t, err)

	src := 0
	run := model.Run{
		ProjectID:     p.ID,
		Name:          "chained",
		Seed:          42,
		ProofMode:     model.ProofModeExact,
		PolicyVersion: 1,
		Steps: []model.StepTemplate{
			{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepIngest, SourcePath: "a.txt", Format: model.FormatTXT}},
			{OrderIndex: 1, Config: model.StepConfig{Kind: model.StepSummarize, SourceStep: &src, SummaryType: model.SummaryBrief, Model: "stub-model"}},
		},
	}
	created, err := s.CreateRun(ctx, run)
	require.NoError(t, err)

	got, err := s.GetRun(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, got.Steps, 2)
	require.Equal(t, model.StepIngest, got.Steps[0].Config.Kind)
	require.Equal(t, model.StepSummarize, got.Steps[1].Config.Kind)
	require.Equal(t, 0, *got.Steps[1].Config.SourceStep)
}

func TestCreateRunRejectsSelfReference(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p, err := s.CreateProject(ctx, "demo", "deadbeef")
	require.NoError(t, err)

	self := 0
	_, err = s.CreateRun(ctx, model.Run{
		ProjectID: p.ID, Name: "r", ProofMode: model.ProofModeExact, PolicyVersion: 1,
		Steps: []model.StepTemplate{
			{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Model: "stub-model", UseOutputFrom: &self}},
		},
	})
	require.Error(t, err)
}

func TestReplaceStepsRejectsForwardReference(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p, err := s.CreateProject(ctx, "demo", "deadbeef")
	require.NoError(t, err)
	created, err := s.CreateRun(ctx, model.Run{
		ProjectID: p.ID, Name: "r", ProofMode: model.ProofModeExact, PolicyVersion: 1,
	})
	require.NoError(t, err)

	forward := 1
	err = s.ReplaceSteps(ctx, created.ID, "alice", []model.StepTemplate{
		{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Model: "stub-model", UseOutputFrom: &forward}},
	})
	require.Error(t, err)
}

func TestReplaceStepsRefusedAfterSeal(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p, err := s.CreateProject(ctx, "demo", "deadbeef")
	require.NoError(t, err)
	created, err := s.CreateRun(ctx, model.Run{
		ProjectID: p.ID, Name: "r", ProofMode: model.ProofModeExact, PolicyVersion: 1,
		Steps: []model.StepTemplate{{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Model: "stub-model", Prompt: "hi"}}},
	})
	require.NoError(t, err)

	require.NoError(t, s.SetState(ctx, created.ID, model.RunSealed))

	err = s.ReplaceSteps(ctx, created.ID, "alice", []model.StepTemplate{
		{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Model: "stub-model", Prompt: "bye"}},
	})
	require.Error(t, err)
}

func TestReplaceStepsAppendsEditLog(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	p, err := s.CreateProject(ctx, "demo", "deadbeef")
	require.NoError(t, err)
	created, err := s.CreateRun(ctx, model.Run{
		ProjectID: p.ID, Name: "r", ProofMode: model.ProofModeExact, PolicyVersion: 1,
		Steps: []model.StepTemplate{{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Model: "stub-model", Prompt: "hi"}}},
	})
	require.NoError(t, err)

	err = s.ReplaceSteps(ctx, created.ID, "alice", []model.StepTemplate{
		{OrderIndex: 0, Config: model.StepConfig{Kind: model.StepPrompt, Model: "stub-model", Prompt: "bye"}},
	})
	require.NoError(t, err)

	entries, err := s.EditLog(ctx, created.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "alice", entries[0].Actor)
	require.NotEmpty(t, entries[0].DiffSHA256)
}
