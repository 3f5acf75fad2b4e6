package conflict

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/mattn/go-sqlite3"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
)

// Reason is the raw signal the storage layer reports for a row it could not
// apply.
type Reason uint8

const (
	ReasonNone Reason = iota
	// ReasonDuplicateKey: an inserted row's primary key already exists.
	ReasonDuplicateKey
	// ReasonDataMismatch: the local row differs from the change's old image.
	ReasonDataMismatch
	// ReasonMissingRow: the row to update or delete does not exist.
	ReasonMissingRow
	// ReasonConstraint: the write violated a unique, foreign key, check or
	// not-null constraint.
	ReasonConstraint
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonDuplicateKey:
		return "duplicate-key"
	case ReasonDataMismatch:
		return "data-mismatch"
	case ReasonMissingRow:
		return "missing-row"
	case ReasonConstraint:
		return "constraint"
	default:
		return "reason(" + strconv.Itoa(int(r)) + ")"
	}
}

// Signal is what the apply loop observed for one row.
type Signal struct {
	Record *changeset.ChangeRecord
	Reason Reason
	// Local is the current local row, nil when absent.
	Local []changeset.Value
	// Err is the storage error that produced the signal, if any.
	Err error
}

// Classifier turns signals into conflict arguments.
type Classifier struct {
	changesetIndex int
	changesetID    string
	log            *Log
}

// NewClassifier returns a classifier stamping every Args with the given
// changeset identity and session log.
func NewClassifier(changesetIndex int, changesetID string, log *Log) *Classifier {
	return &Classifier{changesetIndex: changesetIndex, changesetID: changesetID, log: log}
}

// Classify maps sig to a conflict description. Reasons that cannot occur for
// the record's opcode are rejected.
func (c *Classifier) Classify(sig Signal) (*Args, error) {
	rec := sig.Record
	if rec == nil {
		return nil, cserrors.NewValidationError(cserrors.OpClassify, errors.New("signal has no record"))
	}

	var cause Cause
	switch sig.Reason {
	case ReasonDuplicateKey:
		if rec.Op != changeset.OpInsert {
			return nil, invalidSignal(sig)
		}
		cause = CauseConflict
	case ReasonDataMismatch:
		if rec.Op == changeset.OpInsert {
			return nil, invalidSignal(sig)
		}
		cause = CauseData
	case ReasonMissingRow:
		if rec.Op == changeset.OpInsert {
			return nil, invalidSignal(sig)
		}
		cause = CauseNotFound
	case ReasonConstraint:
		cause = CauseConstraint
	default:
		return nil, invalidSignal(sig)
	}

	return &Args{
		Table:          rec.Table,
		Cause:          cause,
		Op:             rec.Op,
		Indirect:       rec.Indirect,
		PrimaryKey:     rec.PrimaryKey,
		Record:         rec,
		Local:          sig.Local,
		Err:            sig.Err,
		ChangesetIndex: c.changesetIndex,
		ChangesetID:    c.changesetID,
		Log:            c.log,
	}, nil
}

func invalidSignal(sig Signal) error {
	return cserrors.NewValidationError(cserrors.OpClassify,
		fmt.Errorf("reason %s cannot apply to %s", sig.Reason, sig.Record)).
		WithRow(sig.Record.Table, sig.Record.Op.String(), "", sig.Record.KeyString())
}

// ReasonFromError inspects a storage error from a row write. ok is false when
// err is not a constraint violation.
func ReasonFromError(err error) (Reason, bool) {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		var sp *sqlite3.Error
		if !errors.As(err, &sp) || sp == nil {
			return ReasonNone, false
		}
		se = *sp
	}
	if se.Code != sqlite3.ErrConstraint {
		return ReasonNone, false
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintRowID:
		return ReasonDuplicateKey, true
	default:
		return ReasonConstraint, true
	}
}
