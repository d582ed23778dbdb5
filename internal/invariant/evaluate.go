package invariant

import (
	"fmt"

	"github.com/alphacore-validation/sandbox-engine/internal/tfstate"
)

// Outcome is the recorded result of evaluating a single invariant, paired
// with the invariant's own description so a result set can be rendered
// without holding onto the original Invariant values.
type Outcome struct {
	ID       string
	Describe string
	Kind     Kind
	Match    Match
}

// idProvider is implemented by namedInvariant; it lets Evaluate recover a
// manifest id without widening the Invariant interface itself.
type idProvider interface {
	ID() string
}

// Result is the outcome of evaluating an entire invariant set against one
// state document.
type Result struct {
	Outcomes []Outcome
	Passed   int
	Total    int
}

// Score returns passed/total, fail-closed to 0 when Total is zero rather
// than treating an empty invariant set as a vacuous pass.
func (r Result) Score() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Passed) / float64(r.Total)
}

// Evaluate scores doc against every invariant in the set. Every invariant
// is attempted — a failure on one never skips the rest, so the result
// always reflects the full set, not a short-circuited prefix. A panic
// inside an invariant's matcher is recovered and recorded as a failed
// outcome with reason "exception" rather than aborting the job.
func Evaluate(doc *tfstate.Document, invariants []Invariant) Result {
	result := Result{Total: len(invariants)}
	for _, inv := range invariants {
		outcome := evaluateOne(doc, inv)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.Match.Passed {
			result.Passed++
		}
	}
	return result
}

func evaluateOne(doc *tfstate.Document, inv Invariant) Outcome {
	match := safeEvaluate(doc, inv)
	outcome := Outcome{Describe: inv.Describe(), Kind: inv.Kind(), Match: match}
	if p, ok := inv.(idProvider); ok {
		outcome.ID = p.ID()
	}
	return outcome
}

// safeEvaluate isolates a single invariant's matcher so that a programming
// error in one matcher degrades that invariant to a failure instead of
// aborting evaluation of the rest of the set.
func safeEvaluate(doc *tfstate.Document, inv Invariant) (match Match) {
	defer func() {
		if r := recover(); r != nil {
			match = Match{Passed: false, Reason: "exception", Actual: fmt.Sprintf("%v", r)}
		}
	}()
	return inv.evaluate(doc)
}
