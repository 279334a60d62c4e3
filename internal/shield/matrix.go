// Package shield decides moderation actions. The matrix maps severity and
// offense level to an action; the engine applies it atomically against
// the offender history.
package shield

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/crowdgate/crowdgate/internal/model"
)

// OffenseLevel buckets an offender's violation count.
type OffenseLevel int

const (
	OffenseFirst OffenseLevel = iota
	OffenseRepeat
	OffensePersistent
)

func (l OffenseLevel) String() string {
	switch l {
	case OffenseFirst:
		return "first"
	case OffenseRepeat:
		return "repeat"
	case OffensePersistent:
		return "persistent"
	default:
		return "unknown"
	}
}

// OffenseBuckets sets the violation-count boundaries between levels.
type OffenseBuckets struct {
	// RepeatAt is the minimum prior violation count for OffenseRepeat.
	RepeatAt int `yaml:"repeat_at"`
	// PersistentAt is the minimum prior violation count for
	// OffensePersistent.
	PersistentAt int `yaml:"persistent_at"`
}

// Level buckets a prior violation count.
func (b OffenseBuckets) Level(violations int) OffenseLevel {
	switch {
	case violations >= b.PersistentAt:
		return OffensePersistent
	case violations >= b.RepeatAt:
		return OffenseRepeat
	default:
		return OffenseFirst
	}
}

// Matrix maps (severity, offense level) to an action. Total over every
// severity the analysis stage can emit and every offense level.
type Matrix struct {
	buckets OffenseBuckets
	rows    map[model.Severity][3]model.ActionType
}

// DefaultMatrix returns the built-in escalation policy.
func DefaultMatrix() *Matrix {
	return &Matrix{
		buckets: OffenseBuckets{RepeatAt: 1, PersistentAt: 3},
		rows: map[model.Severity][3]model.ActionType{
			model.SeverityLow:      {model.ActionNone, model.ActionHide, model.ActionMute},
			model.SeverityMedium:   {model.ActionHide, model.ActionMute, model.ActionBlock},
			model.SeverityHigh:     {model.ActionMute, model.ActionBlock, model.ActionReport},
			model.SeverityCritical: {model.ActionReport, model.ActionReport, model.ActionReport},
		},
	}
}

var knownActions = map[model.ActionType]bool{
	model.ActionNone:   true,
	model.ActionHide:   true,
	model.ActionMute:   true,
	model.ActionBlock:  true,
	model.ActionReport: true,
}

// matrixFile is the yaml override format:
//
//	offense_buckets:
//	  repeat_at: 1
//	  persistent_at: 3
//	matrix:
//	  medium: [hide, mute, block]
type matrixFile struct {
	OffenseBuckets *OffenseBuckets     `yaml:"offense_buckets"`
	Matrix         map[string][]string `yaml:"matrix"`
}

// LoadMatrix reads a yaml override file on top of the defaults. Rows not
// named in the file keep their default actions.
func LoadMatrix(path string) (*Matrix, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "shield: read matrix file %s", path)
	}

	var f matrixFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, eris.Wrap(err, "shield: parse matrix file")
	}

	m := DefaultMatrix()
	if f.OffenseBuckets != nil {
		if f.OffenseBuckets.RepeatAt < 1 || f.OffenseBuckets.PersistentAt <= f.OffenseBuckets.RepeatAt {
			return nil, eris.New("shield: offense buckets must satisfy 1 <= repeat_at < persistent_at")
		}
		m.buckets = *f.OffenseBuckets
	}
	for name, actions := range f.Matrix {
		sev := model.ParseSeverity(name)
		if sev == model.SeverityNone {
			return nil, eris.Errorf("shield: unknown severity %q in matrix file", name)
		}
		if len(actions) != 3 {
			return nil, eris.Errorf("shield: severity %q needs exactly 3 actions (first/repeat/persistent)", name)
		}
		var row [3]model.ActionType
		for i, a := range actions {
			action := model.ActionType(a)
			if !knownActions[action] {
				return nil, eris.Errorf("shield: unknown action %q in matrix file", a)
			}
			row[i] = action
		}
		m.rows[sev] = row
	}
	return m, nil
}

// Buckets exposes the offense bucket boundaries.
func (m *Matrix) Buckets() OffenseBuckets { return m.buckets }

// Action returns the matrix cell for a severity and prior violation
// count. SeverityNone always maps to no action.
func (m *Matrix) Action(sev model.Severity, priorViolations int) (model.ActionType, OffenseLevel) {
	level := m.buckets.Level(priorViolations)
	row, ok := m.rows[sev]
	if !ok {
		return model.ActionNone, level
	}
	return row[level], level
}
