// Package document holds the payload records sent to the registration API.
//
// Values are plain data. Nothing here validates fields; the remote API owns
// the schema.
package document

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/keithlinneman/docgate/internal/xerrors"
)

// DateLayout is the wire form of Date.
const DateLayout = "2006-01-02"

// Date is a calendar date without time of day. The zero value marshals as null.
type Date struct{ t time.Time }

// NewDate returns the date for year, month, day in UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{t: time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, xerrors.Wrapf(err, "parse date %q", s)
	}
	return Date{t: t}, nil
}

func (d Date) IsZero() bool    { return d.t.IsZero() }
func (d Date) Time() time.Time { return d.t }

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.t.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + d.t.Format(DateLayout) + `"`), nil
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*d = Date{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return xerrors.Wrap(err, "date must be a string")
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type Description struct {
	ParticipantInn string `json:"participantInn"`
}

type Product struct {
	CertificateDocument       string `json:"certificateDocument"`
	CertificateDocumentDate   Date   `json:"certificateDocumentDate"`
	CertificateDocumentNumber string `json:"certificateDocumentNumber"`
	OwnerInn                  string `json:"ownerInn"`
	ProducerInn               string `json:"producerInn"`
	ProductionDate            Date   `json:"productionDate"`
	TnvedCode                 string `json:"tnvedCode"`
	UitCode                   string `json:"uitCode"`
	UituCode                  string `json:"uituCode"`
}

// Document is one "create document" request body.
type Document struct {
	Description    *Description `json:"description"`
	DocID          string       `json:"docId"`
	DocStatus      string       `json:"docStatus"`
	DocType        string       `json:"docType"`
	ImportRequest  bool         `json:"importRequest"`
	OwnerInn       string       `json:"ownerInn"`
	ParticipantInn string       `json:"participantInn"`
	ProducerInn    string       `json:"producerInn"`
	ProductionDate Date         `json:"productionDate"`
	ProductionType string       `json:"productionType"`
	Products       []Product    `json:"products"`
	RegDate        Date         `json:"regDate"`
	RegNumber      string       `json:"regNumber"`
}

// Marshal serializes d into the request body.
func Marshal(d Document) ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, xerrors.Wrap(err, "marshal document")
	}
	return b, nil
}

// Submission pairs a document with the digest the API is expected to echo.
type Submission struct {
	Document Document `json:"document"`
	Digest   string   `json:"digest"`
}
