package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/core"
)

// Built-in reducer names.
const (
	ReducerConcat   = "concat"
	ReducerFirst    = "first"
	ReducerMajority = "majority"
)

// Reducer merges successful run results, given in completion order, into
// the task result.
type Reducer interface {
	Reduce(results []agent.Result) (string, error)
}

// ReducerFunc is a functional adapter for Reducer.
type ReducerFunc func(results []agent.Result) (string, error)

// Reduce implements Reducer.
func (f ReducerFunc) Reduce(results []agent.Result) (string, error) { return f(results) }

// TieBreaker picks a value for a field whose vote ended in a tie. Candidates
// are the tied values in order of first appearance. An empty field name
// stands for the whole result when outputs are not JSON objects.
type TieBreaker func(field string, candidates []json.RawMessage) (json.RawMessage, error)

// NoConsensus is the default TieBreaker: every tie is an aggregation error.
func NoConsensus(field string, candidates []json.RawMessage) (json.RawMessage, error) {
	what := "result"
	if field != "" {
		what = fmt.Sprintf("field %q", field)
	}
	return nil, &core.AggregationError{
		Policy: ReducerMajority,
		Reason: fmt.Sprintf("tie between %d values for %s", len(candidates), what),
	}
}

// PreferFirst is a TieBreaker that picks the candidate seen first.
func PreferFirst(_ string, candidates []json.RawMessage) (json.RawMessage, error) {
	return candidates[0], nil
}

// Concat joins result texts with a blank line.
func Concat(results []agent.Result) (string, error) {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, r.Text)
	}
	return strings.Join(parts, "\n\n"), nil
}

// First returns the first result.
func First(results []agent.Result) (string, error) {
	if len(results) == 0 {
		return "", &core.AggregationError{Policy: ReducerFirst, Reason: "no results"}
	}
	return results[0].Text, nil
}

// Majority returns a reducer voting per field across structured outputs.
// When every result carries a JSON object the vote runs field by field;
// otherwise the whole result text is voted on. A nil tie breaker means
// NoConsensus.
func Majority(tb TieBreaker) Reducer {
	if tb == nil {
		tb = NoConsensus
	}
	return ReducerFunc(func(results []agent.Result) (string, error) {
		if len(results) == 0 {
			return "", &core.AggregationError{Policy: ReducerMajority, Reason: "no results"}
		}

		objects := make([]map[string]json.RawMessage, 0, len(results))
		for _, r := range results {
			var obj map[string]json.RawMessage
			if !bytes.HasPrefix(bytes.TrimSpace(r.Output), []byte("{")) || json.Unmarshal(r.Output, &obj) != nil {
				return voteText(results, tb)
			}
			objects = append(objects, obj)
		}

		var fields []string
		for _, obj := range objects {
			for k := range obj {
				if !slices.Contains(fields, k) {
					fields = append(fields, k)
				}
			}
		}
		slices.Sort(fields)

		merged := make(map[string]json.RawMessage, len(fields))
		for _, f := range fields {
			values := make([]json.RawMessage, 0, len(objects))
			for _, obj := range objects {
				if v, ok := obj[f]; ok {
					values = append(values, v)
				}
			}
			winner, err := vote(f, values, tb)
			if err != nil {
				return "", err
			}
			merged[f] = winner
		}

		b, err := json.Marshal(merged)
		if err != nil {
			return "", err
		}
		return string(b), nil
	})
}

func voteText(results []agent.Result, tb TieBreaker) (string, error) {
	values := make([]json.RawMessage, 0, len(results))
	for _, r := range results {
		values = append(values, encode(strings.TrimSpace(r.Text)))
	}
	winner, err := vote("", values, tb)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(winner, &s); err != nil {
		return "", err
	}
	return s, nil
}

// vote returns the most frequent value. Values are compared in canonical
// form so key order and whitespace do not split votes.
func vote(field string, values []json.RawMessage, tb TieBreaker) (json.RawMessage, error) {
	type tally struct {
		value json.RawMessage
		count int
	}
	var tallies []*tally
	index := map[string]*tally{}
	for _, v := range values {
		key := canonical(v)
		t, ok := index[key]
		if !ok {
			t = &tally{value: json.RawMessage(key)}
			index[key] = t
			tallies = append(tallies, t)
		}
		t.count++
	}

	best := 0
	for _, t := range tallies {
		best = max(best, t.count)
	}
	var tied []json.RawMessage
	for _, t := range tallies {
		if t.count == best {
			tied = append(tied, t.value)
		}
	}
	if len(tied) == 1 {
		return tied[0], nil
	}
	return tb(field, tied)
}

func canonical(v json.RawMessage) string {
	var x any
	if err := json.Unmarshal(v, &x); err != nil {
		return string(bytes.TrimSpace(v))
	}
	b, err := json.Marshal(x)
	if err != nil {
		return string(bytes.TrimSpace(v))
	}
	return string(b)
}

// Reducers is a registry of reducers by name. It is safe for concurrent use.
type Reducers struct {
	mu sync.RWMutex
	m  map[string]Reducer
}

// NewReducers returns a registry holding concat, first and majority. The
// majority reducer uses tb to break ties.
func NewReducers(tb TieBreaker) *Reducers {
	return &Reducers{m: map[string]Reducer{
		ReducerConcat:   ReducerFunc(Concat),
		ReducerFirst:    ReducerFunc(First),
		ReducerMajority: Majority(tb),
	}}
}

// Register adds or replaces a reducer.
func (r *Reducers) Register(name string, reducer Reducer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = reducer
}

// Get returns the reducer registered under name.
func (r *Reducers) Get(name string) (Reducer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	red, ok := r.m[name]
	return red, ok
}

// Names returns the registered reducer names in sorted order.
func (r *Reducers) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for n := range r.m {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
