package api

import (
	"testing"

	"github.com/crowdtask-io/crowdtask/internal/models"
	"github.com/crowdtask-io/crowdtask/internal/services"
)

func TestMemoryStoreApplyFormPlan(t *testing.T) {
	store := NewMemoryStore()

	order0, order1 := 0, 1
	plan := &services.FormPlan{
		Upserts: []services.FieldUpsert{
			{Field: &models.Field{ID: "f1", AssignmentID: "a1", Label: "Name", Type: models.FieldText, Order: &order0}, Created: true},
			{
				Field:          &models.Field{ID: "f2", AssignmentID: "a1", Label: "Color", Type: models.FieldSelect, Order: &order1},
				Created:        true,
				ReplaceChoices: true,
				Choices: []*models.Choice{
					{ID: "c1", FieldID: "f2", Label: "Red", Value: "red", Order: 0},
				},
			},
		},
	}
	if err := store.ApplyFormPlan("a1", plan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fields, err := store.ListFields("a1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fields) != 2 || fields[0].ID != "f1" || fields[1].ID != "f2" {
		t.Fatalf("fields wrong: %+v", fields)
	}
	choices, err := store.ListChoices("f2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(choices) != 1 || choices[0].Value != "red" {
		t.Fatalf("choices wrong: %+v", choices)
	}

	// second pass drops f1
	order0 = 0
	second := &services.FormPlan{
		Upserts: []services.FieldUpsert{
			{Field: &models.Field{ID: "f2", AssignmentID: "a1", Label: "Color", Type: models.FieldSelect, Order: &order0}},
		},
		SoftDeleteIDs: []string{"f1"},
	}
	if err := store.ApplyFormPlan("a1", second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active, _ := store.ListFields("a1", false)
	if len(active) != 1 || active[0].ID != "f2" {
		t.Fatalf("expected only f2 active, got %+v", active)
	}
	all, _ := store.ListFields("a1", true)
	if len(all) != 2 {
		t.Fatalf("expected deleted field retained, got %+v", all)
	}
	if !all[1].Deleted || all[1].Order != nil {
		t.Fatalf("expected soft delete, got %+v", all[1])
	}

	// third pass upserts f1 again: the upsert clears the deleted mark
	order1 = 1
	third := &services.FormPlan{
		Upserts: []services.FieldUpsert{
			{Field: &models.Field{ID: "f2", AssignmentID: "a1", Label: "Color", Type: models.FieldSelect, Order: &order0}},
			{Field: &models.Field{ID: "f1", AssignmentID: "a1", Label: "Name", Type: models.FieldText, Order: &order1}},
		},
	}
	if err := store.ApplyFormPlan("a1", third); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	active, _ = store.ListFields("a1", false)
	if len(active) != 2 || active[1].ID != "f1" || active[1].Deleted {
		t.Fatalf("expected f1 active again, got %+v", active)
	}
}

func TestMemoryStoreSelectorAggregations(t *testing.T) {
	store := NewMemoryStore()

	add := func(r models.Response) {
		if err := store.AddResponse(&r); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	add(models.Response{ID: "r1", AssignmentID: "a1", UserID: "u1", DatumID: "d1", Number: 1})
	add(models.Response{ID: "r2", AssignmentID: "a1", UserID: "u1", DatumID: "d1", Number: 2})
	add(models.Response{ID: "r3", AssignmentID: "a1", IPAddress: "10.0.0.1", DatumID: "d2", Number: 1})
	add(models.Response{ID: "r4", AssignmentID: "a1", UserID: "u2", IPAddress: "10.0.0.1", DatumID: "d1", Number: 1})
	add(models.Response{ID: "r5", AssignmentID: "other", UserID: "u1", DatumID: "d9", Number: 1})

	counts, err := store.CountFirstCompletions("a1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if counts["d1"] != 2 || counts["d2"] != 1 {
		t.Fatalf("counts wrong: %+v", counts)
	}

	ids, err := store.ListRespondedDatumIDs("a1", models.Identity{UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "d1" {
		t.Fatalf("expected deduplicated [d1], got %v", ids)
	}

	// the IP identity only matches the anonymous response, not u2's
	ids, err = store.ListRespondedDatumIDs("a1", models.Identity{IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 1 || ids[0] != "d2" {
		t.Fatalf("expected [d2], got %v", ids)
	}

	n, err := store.CountIdentityResponses("a1", models.Identity{UserID: "u1"}, "d1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}

	responded, err := store.HasResponded("a1", models.Identity{UserID: "u2"})
	if err != nil || !responded {
		t.Fatalf("expected u2 responded, got %v, %v", responded, err)
	}
	responded, err = store.HasResponded("a1", models.Identity{UserID: "u9"})
	if err != nil || responded {
		t.Fatalf("expected u9 not responded, got %v, %v", responded, err)
	}
}

func TestMemoryStoreReplaceFieldValues(t *testing.T) {
	store := NewMemoryStore()

	if err := store.AddValues([]*models.Value{
		{ID: "v1", ResponseID: "r1", FieldID: "f1", Value: "a", OriginalValue: "a"},
		{ID: "v2", ResponseID: "r1", FieldID: "f2", Value: "b", OriginalValue: "b"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := store.ReplaceFieldValues("r1", "f1", []*models.Value{
		{ID: "v3", ResponseID: "r1", FieldID: "f1", Value: "x", OriginalValue: "a"},
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vs, err := store.ListValues("r1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vs) != 2 {
		t.Fatalf("expected 2 values, got %d", len(vs))
	}
	for _, v := range vs {
		switch v.FieldID {
		case "f1":
			if v.ID != "v3" || v.Value != "x" || v.OriginalValue != "a" {
				t.Fatalf("f1 value wrong: %+v", v)
			}
		case "f2":
			if v.ID != "v2" {
				t.Fatalf("f2 value should be untouched: %+v", v)
			}
		}
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	if err := store.InsertAssignment(&models.Assignment{ID: "a1", Title: "T"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	a, _ := store.GetAssignment("a1")
	a.Title = "mutated"

	again, _ := store.GetAssignment("a1")
	if again.Title != "T" {
		t.Fatalf("store leaked internal state: %+v", again)
	}
}
