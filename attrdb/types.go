package attrdb

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"hapkit"
	"hapkit/accessory"
)

// Characteristic is the JSON object of a characteristic in the attribute
// database and in read and write responses.
type Characteristic struct {
	AID    uint64          `json:"aid,omitempty"`
	IID    uint64          `json:"iid"`
	Value  json.RawMessage `json:"value,omitempty"`
	Status *hapkit.Status  `json:"status,omitempty"`

	Type        string           `json:"type,omitempty"`
	Permissions []accessory.Perm `json:"perms,omitempty"`
	Events      *bool            `json:"ev,omitempty"`

	Format      accessory.Format `json:"format,omitempty"`
	Description string           `json:"description,omitempty"`
	Unit        accessory.Unit   `json:"unit,omitempty"`
	MinValue    *float64         `json:"minValue,omitempty"`
	MaxValue    *float64         `json:"maxValue,omitempty"`
	StepValue   *float64         `json:"minStep,omitempty"`
	MaxLength   int              `json:"maxLen,omitempty"`
	MaxDataLen  int              `json:"maxDataLen,omitempty"`
	ValidValues []int            `json:"valid-values,omitempty"`
}

func (c *Characteristic) setStatus(s hapkit.Status) {
	c.Status = &s
}

// describe fills the static properties selected by the flags.
func (c *Characteristic) describe(ch *accessory.Characteristic, meta, perms, typ bool) {
	if typ {
		c.Type = ch.Type
	}
	if perms {
		c.Permissions = ch.Perms
	}
	if !meta {
		return
	}
	c.Format = ch.Format
	c.Description = ch.Description
	c.Unit = ch.Unit
	c.MinValue = ch.MinValue
	c.MaxValue = ch.MaxValue
	c.StepValue = ch.StepValue
	c.MaxLength = ch.MaxLen
	if ch.Format == accessory.FormatString && c.MaxLength == 0 {
		c.MaxLength = accessory.DefaultMaxLen
	}
	c.MaxDataLen = ch.MaxDataLen
	c.ValidValues = ch.ValidValues
}

type CharacteristicID struct {
	AID uint64 `json:"aid"`
	IID uint64 `json:"iid"`
}

func (id CharacteristicID) String() string {
	return fmt.Sprintf("%d.%d", id.AID, id.IID)
}

// ReadRequest is a GET /characteristics request.
type ReadRequest struct {
	IDs                   []CharacteristicID `query:"id"`
	IncludeMetaProperties bool               `query:"meta"`
	IncludePermsProperty  bool               `query:"perms"`
	IncludeTypeProperty   bool               `query:"type"`
	IncludeEventProperty  bool               `query:"ev"`
}

// ParseReadRequest parses the query of a read, e.g. id=1.10,1.11&meta=1.
func ParseReadRequest(q url.Values) (*ReadRequest, error) {
	req := ReadRequest{
		IncludeMetaProperties: q.Get("meta") == "1",
		IncludePermsProperty:  q.Get("perms") == "1",
		IncludeTypeProperty:   q.Get("type") == "1",
		IncludeEventProperty:  q.Get("ev") == "1",
	}
	for _, t := range strings.Split(q.Get("id"), ",") {
		p := strings.SplitN(t, ".", 2)
		if len(p) != 2 {
			return nil, fmt.Errorf("invalid id: %q", t)
		}
		var id CharacteristicID
		var err error
		if id.AID, err = strconv.ParseUint(p[0], 10, 64); err != nil {
			return nil, fmt.Errorf("invalid id: %q", t)
		}
		if id.IID, err = strconv.ParseUint(p[1], 10, 64); err != nil {
			return nil, fmt.Errorf("invalid id: %q", t)
		}
		req.IDs = append(req.IDs, id)
	}
	return &req, nil
}

// WriteItem is one entry of a PUT /characteristics request. It may carry a
// value, an event subscription change, or both.
type WriteItem struct {
	AID      uint64          `json:"aid"`
	IID      uint64          `json:"iid"`
	Value    json.RawMessage `json:"value,omitempty"`
	Events   *bool           `json:"ev,omitempty"`
	Response bool            `json:"r,omitempty"`
	AuthData string          `json:"authData,omitempty"`
	Remote   bool            `json:"remote,omitempty"`
}

type WriteRequest struct {
	Characteristics []*WriteItem `json:"characteristics"`
	PID             uint64       `json:"pid,omitempty"`
}

// DecodeWriteRequest decodes the body of a write.
func DecodeWriteRequest(r io.Reader) (*WriteRequest, error) {
	var req WriteRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, err
	}
	if len(req.Characteristics) == 0 {
		return nil, fmt.Errorf("no characteristics")
	}
	for i, item := range req.Characteristics {
		if item == nil {
			return nil, fmt.Errorf("characteristics[%d] is null", i)
		}
	}
	return &req, nil
}

// Response is the body of a read, or of a write answered with 207.
type Response struct {
	Characteristics []*Characteristic `json:"characteristics"`
}

type Service struct {
	Type            string            `json:"type"`
	IID             uint64            `json:"iid"`
	Primary         bool              `json:"primary,omitempty"`
	Hidden          bool              `json:"hidden,omitempty"`
	Linked          []uint64          `json:"linked,omitempty"`
	Characteristics []*Characteristic `json:"characteristics"`
}

type Accessory struct {
	AID      uint64     `json:"aid"`
	Services []*Service `json:"services"`
}

// Database is the body of GET /accessories.
type Database struct {
	Accessories []*Accessory `json:"accessories"`
}
