// Package draw holds the lesson lottery decision: eligibility filtering,
// collision-tiered pooling and classroom assignment. It performs no I/O;
// callers supply a consistent snapshot and persist the decision.
package draw

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/lesson-draw-api/internal/models"
)

// MaxSlotUsage is the Tier B tolerance: a slot signature may be handed out
// while fewer than MaxSlotUsage other teachers already hold it.
const MaxSlotUsage = 2

// UnassignedClass is recorded when the drawn lesson's grade has no classroom.
const UnassignedClass = "Chưa xếp lớp"

var (
	ErrNoGrades      = errors.New("at least one grade must be selected")
	ErrTooManyGrades = errors.New("too many grades selected")
	ErrUnknownGrade  = errors.New("unknown grade")
)

// Tier identifies which pool a decision came from.
type Tier int

const (
	TierNone Tier = iota
	TierFresh
	TierTolerated
)

func (t Tier) String() string {
	switch t {
	case TierFresh:
		return "fresh"
	case TierTolerated:
		return "tolerated"
	default:
		return "none"
	}
}

// Rand is the source of uniform choices. *rand.Rand satisfies it.
type Rand interface {
	Intn(n int) int
}

// Snapshot is the state a single draw decides against.
type Snapshot struct {
	Lessons []models.Lesson
	Classes []models.Classroom
	// Roster holds the other users; only drawn ones affect the tally.
	Roster []models.User
}

// Decision is a successful selection.
type Decision struct {
	Lesson    models.Lesson
	ClassName string
	Tier      Tier
}

// Engine picks lessons. It is safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	rnd        Rand
	unassigned string
}

// Option customises an Engine.
type Option func(*Engine)

// WithRand replaces the random source, mainly for seeded tests.
func WithRand(r Rand) Option {
	return func(e *Engine) { e.rnd = r }
}

// WithUnassignedClass overrides the sentinel class name.
func WithUnassignedClass(name string) Option {
	return func(e *Engine) {
		if strings.TrimSpace(name) != "" {
			e.unassigned = name
		}
	}
}

// NewEngine builds an engine seeded from the clock unless WithRand is given.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{unassigned: UnassignedClass}
	for _, opt := range opts {
		opt(e)
	}
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e
}

// NormalizeGrades trims and de-duplicates the selection and checks it
// against the known grades and the per-teacher limit.
func NormalizeGrades(selected []string, known []string, maxGrades int) ([]string, error) {
	seen := make(map[string]struct{}, len(selected))
	out := make([]string, 0, len(selected))
	for _, g := range selected {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	if len(out) == 0 {
		return nil, ErrNoGrades
	}
	if len(out) > maxGrades {
		return nil, fmt.Errorf("%w: %d selected, at most %d allowed", ErrTooManyGrades, len(out), maxGrades)
	}

	knownSet := make(map[string]struct{}, len(known))
	for _, g := range known {
		knownSet[g] = struct{}{}
	}
	for _, g := range out {
		if _, ok := knownSet[g]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownGrade, g)
		}
	}
	return out, nil
}

// KnownGrades merges configured grades with the grades present in the catalog.
func KnownGrades(configured []string, lessons []models.Lesson) []string {
	seen := make(map[string]struct{}, len(configured))
	out := make([]string, 0, len(configured))
	add := func(g string) {
		if _, ok := seen[g]; ok || g == "" {
			return
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	for _, g := range configured {
		add(g)
	}
	for _, l := range lessons {
		add(l.Grade)
	}
	return out
}

// Candidates returns lessons of the selected grades matching the subject
// group. An empty subject group accepts every subject.
func Candidates(lessons []models.Lesson, grades []string, subjectGroup string) []models.Lesson {
	gradeSet := make(map[string]struct{}, len(grades))
	for _, g := range grades {
		gradeSet[g] = struct{}{}
	}
	var out []models.Lesson
	for _, l := range lessons {
		if _, ok := gradeSet[l.Grade]; !ok {
			continue
		}
		if subjectGroup != "" && l.Subject != subjectGroup {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Tally counts, per slot signature, the users other than self holding a
// drawn lesson. Draws pointing at lessons no longer in the catalog are ignored.
func Tally(lessons []models.Lesson, roster []models.User, self string) map[models.SlotSignature]int {
	byID := make(map[string]models.Lesson, len(lessons))
	for _, l := range lessons {
		byID[l.ID] = l
	}
	usage := make(map[models.SlotSignature]int)
	for _, u := range roster {
		if u.ID == self || !u.HasDrawn || u.DrawnLessonID == nil {
			continue
		}
		if l, ok := byID[*u.DrawnLessonID]; ok {
			usage[l.Signature()]++
		}
	}
	return usage
}

// Pool applies the tiers: unused signatures first, then signatures below
// MaxSlotUsage. TierNone means nothing is left.
func Pool(candidates []models.Lesson, usage map[models.SlotSignature]int) ([]models.Lesson, Tier) {
	var fresh, tolerated []models.Lesson
	for _, l := range candidates {
		n := usage[l.Signature()]
		if n == 0 {
			fresh = append(fresh, l)
		}
		if n < MaxSlotUsage {
			tolerated = append(tolerated, l)
		}
	}
	switch {
	case len(fresh) > 0:
		return fresh, TierFresh
	case len(tolerated) > 0:
		return tolerated, TierTolerated
	default:
		return nil, TierNone
	}
}

// Select runs the selection for teacher over snap. grades must already be
// normalized. The boolean is false when no lesson is available.
func (e *Engine) Select(teacher *models.User, grades []string, snap Snapshot) (Decision, bool) {
	candidates := Candidates(snap.Lessons, grades, teacher.SubjectGroup)
	if len(candidates) == 0 {
		return Decision{Tier: TierNone}, false
	}
	pool, tier := Pool(candidates, Tally(snap.Lessons, snap.Roster, teacher.ID))
	if tier == TierNone {
		return Decision{Tier: TierNone}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	lesson := pool[e.rnd.Intn(len(pool))]
	className := e.unassigned
	var rooms []models.Classroom
	for _, c := range snap.Classes {
		if c.Grade == lesson.Grade {
			rooms = append(rooms, c)
		}
	}
	if len(rooms) > 0 {
		className = rooms[e.rnd.Intn(len(rooms))].Name
	}
	return Decision{Lesson: lesson, ClassName: className, Tier: tier}, true
}
