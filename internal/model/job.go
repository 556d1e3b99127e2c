package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JobID comes from the queue. Queue servers are inconsistent about the
// wire type, so both JSON strings and numbers are accepted.
type JobID string

func (id JobID) String() string {
	return string(id)
}

func (id *JobID) UnmarshalJSON(b []byte) error {
	if id == nil {
		return errors.New("can't unmarshal to nil")
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = JobID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = JobID(n.String())
	return nil
}

// Job is one unit of work claimed from the queue. Parameters are passed
// through to the generation script untouched.
type Job struct {
	ID         JobID           `json:"id"`
	Algorithm  string          `json:"algorithm"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	Customer   map[string]any  `json:"customer,omitempty"`
}

// Name returns the {algorithm}_{id} stem every artifact of this job is
// named after.
func (j Job) Name() string {
	return j.Algorithm + "_" + string(j.ID)
}

// Validate rejects jobs whose id or algorithm cannot serve as an
// artifact file stem. Both end up in local paths, the queue does not
// get a say in where files land.
func (j Job) Validate() error {
	if j.ID == "" {
		return errors.New("job id is empty")
	}
	if err := validStem("job id", string(j.ID)); err != nil {
		return err
	}
	return ValidAlgorithm(j.Algorithm)
}

// ValidAlgorithm rejects names that cannot serve as a file stem and a
// script name at the same time.
func ValidAlgorithm(name string) error {
	if name == "" {
		return errors.New("algorithm is empty")
	}
	return validStem("algorithm", name)
}

// validStem accepts alphanumerics, dash and underscore. Everything
// else, path separators and dots included, has no business in a file
// stem.
func validStem(kind, s string) error {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return fmt.Errorf("%s %q contains %q", kind, s, r)
		}
	}
	return nil
}
