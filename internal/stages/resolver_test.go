package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casetrack/internal/domain"
)

func stage(id, caseType, subtype, title string, seq int) domain.StageDefinition {
	return domain.StageDefinition{ID: id, CaseType: caseType, Subtype: subtype, Title: title, Sequence: seq, Required: true, Active: true}
}

func ids(defs []domain.StageDefinition) []string {
	out := make([]string, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.ID)
	}
	return out
}

func procurementCatalog() *MemoryCatalog {
	return NewMemoryCatalog(
		stage("req", "open-tender", "", "Requisition", 1),
		stage("call", "open-tender", "", "Call for bids", 3),
		stage("committee", "open-tender", "own-funds", "Committee", 2),
		stage("fed", "open-tender", "open-tender_own-funds", "Funding letter", 2),
		stage("da-quote", "direct-award", "", "Quotes", 1),
		stage("da-own", "direct-award", "own-funds", "Own funds check", 2),
		stage("da-legacy", "direct-award", "direct-award_own-funds", "Legacy", 3),
	)
}

func TestResolveAliasFormsMatch(t *testing.T) {
	r := Resolver{Catalog: procurementCatalog()}
	ctx := context.Background()

	bare, err := r.Resolve(ctx, "open-tender", "own-funds")
	require.NoError(t, err)
	prefixed, err := r.Resolve(ctx, "open-tender", "open-tender_own-funds")
	require.NoError(t, err)

	want := []string{"req", "committee", "fed", "call"}
	if diff := cmp.Diff(want, ids(bare)); diff != "" {
		t.Fatalf("bare subtype mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ids(bare), ids(prefixed)); diff != "" {
		t.Fatalf("alias forms differ (-bare +prefixed):\n%s", diff)
	}
}

func TestResolveAliasOnlyForOpenTender(t *testing.T) {
	r := Resolver{Catalog: procurementCatalog()}
	got, err := r.Resolve(context.Background(), "direct-award", "own-funds")
	require.NoError(t, err)
	assert.Equal(t, []string{"da-quote", "da-own"}, ids(got))
}

func TestResolveNormalizesInput(t *testing.T) {
	r := Resolver{Catalog: procurementCatalog()}
	got, err := r.Resolve(context.Background(), "  Open-Tender ", "OWN-FUNDS ")
	require.NoError(t, err)
	assert.Len(t, got, 4)
}

func TestResolveGenericOnlyWithoutSubtype(t *testing.T) {
	r := Resolver{Catalog: procurementCatalog()}
	got, err := r.Resolve(context.Background(), "open-tender", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"req", "call"}, ids(got))
}

func TestResolveOrdersBySequenceThenTitle(t *testing.T) {
	cat := NewMemoryCatalog(
		stage("c", "t", "", "Zeta", 2),
		stage("b", "t", "", "Alpha", 2),
		stage("a", "t", "", "Omega", 1),
		stage("d", "t", "", "Alpha", 2),
	)
	got, err := Resolver{Catalog: cat}.Resolve(context.Background(), "t", "")
	require.NoError(t, err)
	if diff := cmp.Diff([]string{"a", "b", "d", "c"}, ids(got)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		ok := prev.Sequence < cur.Sequence || (prev.Sequence == cur.Sequence && prev.Title <= cur.Title)
		assert.True(t, ok, "stage %s out of order after %s", cur.ID, prev.ID)
	}
}

func TestResolveDeduplicatesByID(t *testing.T) {
	cat := NewMemoryCatalog(
		stage("x", "open-tender", "own-funds", "Specific", 1),
		stage("x", "open-tender", "open-tender_own-funds", "Prefixed", 1),
		stage("x", "open-tender", "", "Generic", 1),
		stage("y", "open-tender", "", "Other", 2),
	)
	got, err := Resolver{Catalog: cat}.Resolve(context.Background(), "open-tender", "own-funds")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y"}, ids(got))
	assert.Equal(t, "Specific", got[0].Title, "first occurrence wins")
}

func TestResolveSkipsInactive(t *testing.T) {
	inactive := stage("old", "t", "", "Old", 1)
	inactive.Active = false
	cat := NewMemoryCatalog(inactive, stage("new", "t", "", "New", 2))
	got, err := Resolver{Catalog: cat}.Resolve(context.Background(), "t", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"new"}, ids(got))
}

func TestResolvePrincipalFallback(t *testing.T) {
	r := Resolver{Catalog: procurementCatalog()}
	got, err := r.Resolve(context.Background(), "open-tender_international", "own-funds")
	require.NoError(t, err)
	// only generic stages of the principal type, no subtype filtering
	assert.Equal(t, []string{"req", "call"}, ids(got))
}

func TestResolveNoFallbackWhenCompoundTypeHasStages(t *testing.T) {
	cat := procurementCatalog()
	cat.Replace(append([]domain.StageDefinition{stage("intl", "open-tender_international", "", "Treaty", 1)}, procurementCatalogStages()...))
	got, err := Resolver{Catalog: cat}.Resolve(context.Background(), "open-tender_international", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"intl"}, ids(got))
}

func procurementCatalogStages() []domain.StageDefinition {
	c := procurementCatalog()
	return c.stages
}

func TestResolveUnknownAndBlank(t *testing.T) {
	r := Resolver{Catalog: procurementCatalog()}
	ctx := context.Background()

	got, err := r.Resolve(ctx, "", "own-funds")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)

	got, err = r.Resolve(ctx, "   ", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = r.Resolve(ctx, "framework-agreement", "own-funds")
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = r.Resolve(ctx, "open-tender", "unknown-subtype")
	require.NoError(t, err)
	assert.Equal(t, []string{"req", "call"}, ids(got))
}

type failingCatalog struct{ err error }

func (f failingCatalog) FindActiveStages(context.Context, string, string) ([]domain.StageDefinition, error) {
	return nil, f.err
}

func TestResolvePropagatesCatalogErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	_, err := Resolver{Catalog: failingCatalog{err: boom}}.Resolve(context.Background(), "open-tender", "own-funds")
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestSubtypeForms(t *testing.T) {
	assert.Nil(t, SubtypeForms("open-tender", ""))
	assert.Equal(t, []string{"own-funds", "open-tender_own-funds"}, SubtypeForms("open-tender", "own-funds"))
	assert.Equal(t, []string{"own-funds", "open-tender_own-funds"}, SubtypeForms("open-tender", "open-tender_own-funds"))
	assert.Equal(t, []string{"own-funds"}, SubtypeForms("direct-award", "own-funds"))
}

func TestPrincipal(t *testing.T) {
	p, ok := Principal("open-tender_international")
	assert.True(t, ok)
	assert.Equal(t, "open-tender", p)

	_, ok = Principal("open-tender")
	assert.False(t, ok)
	_, ok = Principal("_odd")
	assert.False(t, ok)
}
