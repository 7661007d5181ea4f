package grading

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/tashih-io/tashih/internal/model"
	"github.com/tashih-io/tashih/internal/store"
)

// gradedFixture grades the standard fixture so adjustments have something
// to override: MC full marks (2) and open-ended partial credit (3.75).
func gradedFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.saveAnswers(t, &f.correctID, "The Nile is the longest river", 0.95)
	if _, err := newTestEngine(f.store).GradeSubmission(context.Background(), f.subID); err != nil {
		t.Fatalf("GradeSubmission: %v", err)
	}
	return f
}

func TestAddAdjustmentRecomputesTotals(t *testing.T) {
	f := gradedFixture(t)
	agg := NewAggregator(f.store)

	adj, err := agg.AddAdjustment(f.subID, f.openID, 5, "full credit on review")
	if err != nil {
		t.Fatalf("AddAdjustment: %v", err)
	}
	if adj.OriginalScore != 3.75 || adj.AdjustedScore != 5 {
		t.Errorf("unexpected adjustment: %+v", adj)
	}

	grade, err := f.store.GetGrade(f.subID)
	if err != nil || grade == nil {
		t.Fatalf("GetGrade: %+v err=%v", grade, err)
	}
	if grade.TotalScore != 7 || math.Abs(grade.Percentage-100) > 1e-9 {
		t.Errorf("totals not recomputed: %+v", grade)
	}
}

// A later adjustment for the same question supersedes the earlier one; the
// total reflects only the latest, while both remain in the audit trail.
func TestAdjustmentLatestWins(t *testing.T) {
	f := gradedFixture(t)
	agg := NewAggregator(f.store)

	if _, err := agg.AddAdjustment(f.subID, f.openID, 5, "first pass"); err != nil {
		t.Fatalf("AddAdjustment: %v", err)
	}
	second, err := agg.AddAdjustment(f.subID, f.openID, 4, "second look")
	if err != nil {
		t.Fatalf("AddAdjustment: %v", err)
	}
	// The original of the second adjustment is the first adjustment's value.
	if second.OriginalScore != 5 {
		t.Errorf("expected original 5 from prior adjustment, got %v", second.OriginalScore)
	}

	grade, err := f.store.GetGrade(f.subID)
	if err != nil || grade == nil {
		t.Fatalf("GetGrade: %+v err=%v", grade, err)
	}
	if grade.TotalScore != 6 { // 2 + 4
		t.Errorf("TotalScore = %v, want 6", grade.TotalScore)
	}

	all, err := f.store.ListAdjustments(grade.ID)
	if err != nil {
		t.Fatalf("ListAdjustments: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("audit trail must keep both adjustments, got %d", len(all))
	}
}

func TestAdjustmentGuards(t *testing.T) {
	f := gradedFixture(t)
	agg := NewAggregator(f.store)

	if _, err := agg.AddAdjustment(f.subID, 9999, 1, "no such question"); err == nil {
		t.Error("expected error adjusting a question with no answer")
	}

	if err := agg.Finalize(f.subID); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if _, err := agg.AddAdjustment(f.subID, f.openID, 5, "too late"); !errors.Is(err, store.ErrGradeFinalized) {
		t.Errorf("expected ErrGradeFinalized, got %v", err)
	}

	if err := agg.Reopen(f.subID); err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	if _, err := agg.AddAdjustment(f.subID, f.openID, 5, "after reopen"); err != nil {
		t.Errorf("AddAdjustment after reopen: %v", err)
	}
}

func TestAdjustmentUngraded(t *testing.T) {
	f := newFixture(t)
	if _, err := NewAggregator(f.store).AddAdjustment(f.subID, f.openID, 5, "too early"); !errors.Is(err, ErrNotGraded) {
		t.Errorf("expected ErrNotGraded, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	f := gradedFixture(t)
	agg := NewAggregator(f.store)
	if _, err := agg.AddAdjustment(f.subID, f.openID, 4.5, "partial rubric credit"); err != nil {
		t.Fatalf("AddAdjustment: %v", err)
	}

	summary, err := agg.Summary(f.subID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Grade == nil || summary.Grade.TotalScore != 6.5 {
		t.Fatalf("unexpected grade in summary: %+v", summary.Grade)
	}
	if len(summary.Answers) != 2 {
		t.Fatalf("expected 2 answer rows, got %d", len(summary.Answers))
	}

	mc, open := summary.Answers[0], summary.Answers[1]
	if mc.Ordinal != 1 || mc.QuestionType != model.MultipleChoice || mc.MaxPoints != 2 {
		t.Errorf("unexpected MC row: %+v", mc)
	}
	if mc.AdjustedScore != nil {
		t.Errorf("MC row should have no adjustment: %+v", mc)
	}
	if open.Score == nil || *open.Score != 3.75 {
		t.Errorf("open row keeps the auto score: %+v", open)
	}
	if open.AdjustedScore == nil || *open.AdjustedScore != 4.5 {
		t.Errorf("open row missing adjusted score: %+v", open)
	}
	if len(summary.Adjustments) != 1 {
		t.Errorf("expected 1 adjustment in summary, got %d", len(summary.Adjustments))
	}
}

func TestSummaryUngraded(t *testing.T) {
	f := newFixture(t)
	f.saveAnswers(t, &f.correctID, "some text", 0.9)

	summary, err := NewAggregator(f.store).Summary(f.subID)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.Grade != nil {
		t.Errorf("ungraded submission must have nil grade: %+v", summary.Grade)
	}
	if len(summary.Answers) != 2 {
		t.Errorf("expected answer rows even before grading, got %d", len(summary.Answers))
	}
	if summary.Answers[0].Score != nil {
		t.Errorf("ungraded answer must have nil score: %+v", summary.Answers[0])
	}
}
