package projectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/c360/espflow/dataflow"
	"github.com/c360/espflow/errors"
)

// keyPattern is the NATS KV key alphabet.
var keyPattern = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// Record is the stored envelope around a project definition.
type Record struct {
	Name    string `json:"name"`
	Version int64  `json:"version"`

	// XML is the project document as the engine loads it.
	XML      string `json:"xml"`
	Checksum string `json:"checksum"`

	Queries int `json:"queries"`
	Windows int `json:"windows"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	CreatedBy string    `json:"created_by,omitempty"`
}

// NewRecord validates p and wraps its XML at version 1.
func NewRecord(p *dataflow.Project) (*Record, error) {
	if p == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "projectstore", "NewRecord", "nil project")
	}
	if !keyPattern.MatchString(p.Name()) {
		return nil, errors.Invalidf("projectstore", "NewRecord", "project name %q cannot be stored", p.Name())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	doc, err := p.ToXML()
	if err != nil {
		return nil, err
	}

	windows := 0
	for _, q := range p.Queries() {
		windows += len(q.Windows())
	}
	now := time.Now().UTC()
	return &Record{
		Name:      p.Name(),
		Version:   1,
		XML:       string(doc),
		Checksum:  checksum(doc),
		Queries:   len(p.Queries()),
		Windows:   windows,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Project parses the stored document.
func (r *Record) Project() (*dataflow.Project, error) {
	p, err := dataflow.FromXML([]byte(r.XML))
	if err != nil {
		return nil, errors.Wrap(err, "projectstore", "Record.Project", "parse stored project "+r.Name)
	}
	return p, nil
}

// Verify checks that the envelope and its document agree.
func (r *Record) Verify() error {
	if r.Checksum != checksum([]byte(r.XML)) {
		return errors.WrapFatal(fmt.Errorf("checksum mismatch"), "projectstore", "Verify", "verify "+r.Name)
	}
	p, err := r.Project()
	if err != nil {
		return err
	}
	if p.Name() != r.Name {
		return errors.WrapFatal(fmt.Errorf("document holds project %q", p.Name()),
			"projectstore", "Verify", "verify "+r.Name)
	}
	return nil
}

func checksum(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}
