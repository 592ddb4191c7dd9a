// Package merkle stores conversation threads as chains of content-addressed
// nodes. Each node holds one turn and links to the turn before it, so a
// thread is fully described by the hash of its newest node.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/quietloudlab/designmewithme/pkg/llm"
)

// Bucket is the hashed content of a node.
type Bucket struct {
	TurnID    string    `json:"turn_id"`
	Role      llm.Role  `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	Seq       int64     `json:"seq"`
}

// BucketFromTurn captures a conversation turn.
func BucketFromTurn(t llm.ConversationTurn) Bucket {
	return Bucket{
		TurnID:    t.ID,
		Role:      t.Role,
		Text:      t.RawText,
		CreatedAt: t.CreatedAt.UTC(),
		Seq:       t.Seq,
	}
}

// Turn converts the bucket back into a conversation turn.
func (b Bucket) Turn() llm.ConversationTurn {
	return llm.ConversationTurn{
		ID:        b.TurnID,
		Role:      b.Role,
		RawText:   b.Text,
		CreatedAt: b.CreatedAt,
		Seq:       b.Seq,
	}
}

// Node represents a single content-addressed node in a thread chain
type Node struct {
	// Hash is the content-addressed identifier (SHA-256, hex-encoded)
	Hash string `json:"hash"`

	// ParentHash links to the previous turn in the thread.
	// This will be nil for the first turn.
	ParentHash *string `json:"parent_hash"`

	Bucket Bucket `json:"bucket"`
}

// NewNode creates a new node with the computed hash for the provided bucket
func NewNode(bucket Bucket, parent *Node) *Node {
	n := &Node{
		Bucket: bucket,
	}

	if parent != nil {
		parentHash := parent.Hash
		n.ParentHash = &parentHash
	}

	n.Hash = n.computeHash()
	return n
}

// Verify reports whether the node's hash matches its content and parent.
// Nodes received from elsewhere are checked before they are stored.
func (n *Node) Verify() bool {
	return n.Hash != "" && n.Hash == n.computeHash()
}

type hashInput struct {
	Parent string `json:"parent,omitempty"`
	Bucket Bucket `json:"bucket"`
}

func (n *Node) computeHash() string {
	i := hashInput{Bucket: n.Bucket}
	if n.ParentHash != nil {
		i.Parent = *n.ParentHash
	}

	// Bucket has only plain fields, marshalling cannot fail
	data, _ := json.Marshal(i)

	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
