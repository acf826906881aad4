package rebac

import (
	"context"
	"errors"
	"testing"
)

// fakeRelations is a minimal in-memory graph keyed by tenant-less
// coordinates, enough to drive the expander directly.
type fakeRelations struct {
	subjects map[string][]SubjectRef // "ns:obj#rel" -> subjects
	err      error
}

func (f *fakeRelations) key(namespace, objectID, relation string) string {
	return namespace + ":" + objectID + "#" + relation
}

func (f *fakeRelations) add(namespace, objectID, relation string, s SubjectRef) {
	if f.subjects == nil {
		f.subjects = make(map[string][]SubjectRef)
	}
	k := f.key(namespace, objectID, relation)
	f.subjects[k] = append(f.subjects[k], s)
}

func (f *fakeRelations) Grant(context.Context, *RelationTuple) error  { return nil }
func (f *fakeRelations) Revoke(context.Context, *RelationTuple) error { return nil }

func (f *fakeRelations) Has(_ context.Context, t *RelationTuple) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	for _, s := range f.subjects[f.key(t.Namespace, t.ObjectID, t.Relation)] {
		if s == t.Subject {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRelations) ListSubjects(_ context.Context, _, namespace, objectID, relation string) ([]SubjectRef, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.subjects[f.key(namespace, objectID, relation)], nil
}

func (f *fakeRelations) ListTuples(context.Context, string, string, string) ([]*RelationTuple, error) {
	return nil, nil
}

func (f *fakeRelations) ListObjectsForSubject(context.Context, string, SubjectRef, string, string, Page) ([]string, error) {
	return nil, nil
}

func TestExpandDirectAndNested(t *testing.T) {
	ctx := context.Background()
	rels := &fakeRelations{}
	rels.add("document", "plan", "viewer", User("alice"))
	rels.add("document", "plan", "viewer", Userset("team", "9", "member"))
	rels.add("team", "9", "member", User("bob"))
	rels.add("team", "9", "member", Userset("team", "core", "member"))
	rels.add("team", "core", "member", User("carol"))

	result, err := NewExpander(rels, DefaultMaxDepth).Expand(ctx, "t1", "document", "plan", "viewer")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	want := []string{"alice", "bob", "carol"}
	got := result.SortedSubjects()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if result.Depth != 2 {
		t.Fatalf("expected depth 2, got %d", result.Depth)
	}
	for user, depth := range map[string]int{"alice": 0, "bob": 1, "carol": 2} {
		if d := result.DepthOf(user); d != depth {
			t.Fatalf("expected %s at depth %d, got %d", user, depth, d)
		}
	}
}

func TestExpandIdempotent(t *testing.T) {
	ctx := context.Background()
	rels := &fakeRelations{}
	rels.add("document", "plan", "viewer", Userset("team", "a", "member"))
	rels.add("document", "plan", "viewer", Userset("team", "b", "member"))
	// alice reachable through both branches, reported once
	rels.add("team", "a", "member", User("alice"))
	rels.add("team", "b", "member", User("alice"))

	x := NewExpander(rels, DefaultMaxDepth)
	first, err := x.Expand(ctx, "t1", "document", "plan", "viewer")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	second, err := x.Expand(ctx, "t1", "document", "plan", "viewer")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(first.Subjects) != 1 || len(second.Subjects) != 1 {
		t.Fatalf("expected deduplicated singleton set, got %v then %v", first.SortedSubjects(), second.SortedSubjects())
	}
}

func TestExpandCycleGuard(t *testing.T) {
	ctx := context.Background()
	rels := &fakeRelations{}
	rels.add("team", "a", "member", Userset("team", "b", "member"))
	rels.add("team", "b", "member", Userset("team", "a", "member"))
	rels.add("team", "b", "member", User("alice"))

	result, err := NewExpander(rels, DefaultMaxDepth).Expand(ctx, "t1", "team", "a", "member")
	if err != nil {
		t.Fatalf("Expand must terminate on cycles: %v", err)
	}
	if !result.Contains("alice") {
		t.Fatalf("expected alice through the cycle, got %v", result.SortedSubjects())
	}
}

func TestExpandDepthOverflow(t *testing.T) {
	ctx := context.Background()
	rels := &fakeRelations{}
	for i := 0; i < 5; i++ {
		rels.add("team", string(rune('a'+i)), "member", Userset("team", string(rune('a'+i+1)), "member"))
	}

	_, err := NewExpander(rels, 2).Expand(ctx, "t1", "team", "a", "member")
	if !errors.Is(err, ErrExpansionTooDeep) {
		t.Fatalf("expected ErrExpansionTooDeep, got %v", err)
	}
}

func TestExpandDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rels := &fakeRelations{}
	rels.add("team", "a", "member", User("alice"))

	_, err := NewExpander(rels, DefaultMaxDepth).Expand(ctx, "t1", "team", "a", "member")
	if !errors.Is(err, ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
}

func TestExpandStoreFailure(t *testing.T) {
	rels := &fakeRelations{err: errors.New("connection reset")}
	_, err := NewExpander(rels, DefaultMaxDepth).Expand(context.Background(), "t1", "team", "a", "member")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestParseSubjectRef(t *testing.T) {
	cases := []struct {
		raw  string
		want SubjectRef
		ok   bool
	}{
		{"user:alice", User("alice"), true},
		{"alice", User("alice"), true},
		{"team:9#member", Userset("team", "9", "member"), true},
		{"team:9#", SubjectRef{}, false},
		{"", SubjectRef{}, false},
		{"team:9", SubjectRef{}, false},
	}
	for _, tc := range cases {
		got, err := ParseSubjectRef(tc.raw)
		if tc.ok != (err == nil) {
			t.Errorf("%q: expected ok=%v, got err=%v", tc.raw, tc.ok, err)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("%q: expected %+v, got %+v", tc.raw, tc.want, got)
		}
		if tc.ok && got.String() != "" {
			reparsed, err := ParseSubjectRef(got.String())
			if err != nil || reparsed != got {
				t.Errorf("%q: string form %q does not round trip", tc.raw, got.String())
			}
		}
	}
}
