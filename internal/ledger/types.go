package ledger

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Request is one marketplace request row in the index.
type Request struct {
	ID              string `json:"id"`
	IPFSHash        string `json:"ipfsHash"`
	Mech            string `json:"mech"`
	Requester       string `json:"requester"`
	JobDefinitionID string `json:"jobDefinitionId"`
	Delivered       bool   `json:"delivered"`
	BlockTimestamp  int64  `json:"blockTimestamp,string"`
}

// JobDefinition is one job-definition row, as seen by the hierarchy
// queries.
type JobDefinition struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	LastStatus    string        `json:"lastStatus"`
	LastRequestID string        `json:"lastRequestId"`
	IPFSHash      string        `json:"ipfsHash"`
	CodeMetadata  *CodeMetadata `json:"codeMetadata"`
}

// CodeMetadata records the branch a coding job worked on.
type CodeMetadata struct {
	Branch     string `json:"branch"`
	BaseBranch string `json:"baseBranch"`
	Repo       string `json:"repo"`
}

// StakedService is one row of the staking pool table.
type StakedService struct {
	ServiceID string `json:"serviceId"`
	Owner     string `json:"owner"`
	Multisig  string `json:"multisig"`
}

// MechServiceMapping links a mech address to its service.
type MechServiceMapping struct {
	Mech      string `json:"mech"`
	ServiceID string `json:"serviceId"`
}

// Artifact is one recorded artifact reference.
type Artifact struct {
	ID        string `json:"id"`
	RequestID string `json:"requestId"`
	Name      string `json:"name"`
	CID       string `json:"cid"`
}

// PageInfo carries index pagination state.
type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// Cursor marks a resumption point in request scans.
type Cursor struct {
	BlockTimestamp int64  `json:"t"`
	ID             string `json:"id"`
}

// EncodeCursor renders a cursor as an opaque URL-safe token.
func EncodeCursor(c Cursor) string {
	raw, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("bad cursor encoding: %w", err)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("bad cursor payload: %w", err)
	}
	return c, nil
}
