package shape

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"reflect"

	"github.com/go-playground/validator/v10"
)

// ErrLibraryUnavailable wraps failures to read the library file, as opposed
// to a file that exists but does not decode.
var ErrLibraryUnavailable = errors.New("shape library unavailable")

// Round is one library entry: a path per slot, and whether the progress
// margin is enforced while it is played.
type Round struct {
	A         Path `validate:"min=1,dive"`
	B         Path `validate:"min=1,dive"`
	UseMargin bool
}

// UnmarshalJSON accepts [pathA, pathB] and [pathA, pathB, useMargin].
func (r *Round) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) != 2 && len(parts) != 3 {
		return fmt.Errorf("round must have 2 or 3 elements, got %d", len(parts))
	}

	r.UseMargin = true

	if err := json.Unmarshal(parts[0], &r.A); err != nil {
		return fmt.Errorf("path a: %w", err)
	}
	if err := json.Unmarshal(parts[1], &r.B); err != nil {
		return fmt.Errorf("path b: %w", err)
	}
	if len(parts) == 3 {
		if err := json.Unmarshal(parts[2], &r.UseMargin); err != nil {
			return fmt.Errorf("margin flag: %w", err)
		}
	}

	return nil
}

func (r Round) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.A, r.B, r.UseMargin})
}

// Library is the ordered list of rounds served to a pair of players. It is
// never modified after loading.
type Library struct {
	rounds []Round
}

func NewLibrary(rounds ...Round) *Library {
	return &Library{rounds: rounds}
}

func (l *Library) Len() int {
	if l == nil {
		return 0
	}

	return len(l.rounds)
}

func (l *Library) Round(i int) (Round, bool) {
	if i < 0 || i >= l.Len() {
		return Round{}, false
	}

	return l.rounds[i], true
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		if fl.Field().Kind() != reflect.Float64 {
			return false
		}
		f := fl.Field().Float()

		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})

	return v
}

// LoadLibrary reads a library file. Polygons are densified with Sample when
// spacing is positive; a zero spacing means the file already holds sampled
// paths and they are used as stored.
func LoadLibrary(path string, spacing float64) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLibraryUnavailable, err)
	}

	return ParseLibrary(data, spacing)
}

func ParseLibrary(data []byte, spacing float64) (*Library, error) {
	if spacing < 0 {
		return nil, ErrInvalidSpacing
	}

	var rounds []Round
	if err := json.Unmarshal(data, &rounds); err != nil {
		return nil, fmt.Errorf("decode shape library: %w", err)
	}

	for i := range rounds {
		if err := validate.Struct(rounds[i]); err != nil {
			return nil, fmt.Errorf("round %d: %w", i, err)
		}

		if spacing == 0 {
			continue
		}

		a, err := Sample(rounds[i].A, spacing)
		if err != nil {
			return nil, fmt.Errorf("round %d path a: %w", i, err)
		}
		b, err := Sample(rounds[i].B, spacing)
		if err != nil {
			return nil, fmt.Errorf("round %d path b: %w", i, err)
		}

		rounds[i].A, rounds[i].B = a, b
	}

	return NewLibrary(rounds...), nil
}

// Validate checks v against its validate struct tags, including finite
// coordinates on every Point.
func Validate(v any) error {
	return validate.Struct(v)
}
