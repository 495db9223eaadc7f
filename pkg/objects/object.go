package objects

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ObjectType discriminates the kinds of stored objects
type ObjectType string

const (
	// TypeBlob is opaque file content
	TypeBlob ObjectType = "blob"

	// TypeTree is a directory listing
	TypeTree ObjectType = "tree"

	// TypeCommit is a snapshot with ancestry
	TypeCommit ObjectType = "commit"
)

// ValidType tells whether t is a known object type
func ValidType(t ObjectType) bool {
	switch t {
	case TypeBlob, TypeTree, TypeCommit:
		return true
	default:
		return false
	}
}

// Object is a stored unit: type plus raw payload.
//
// Objects are immutable. The key of an object is the hash of its canonical
// encoding, so identical content always yields the identical key.
type Object struct {
	Type    ObjectType
	Payload []byte
}

// Key computes the content address of this object
func (o *Object) Key() Key {
	return HashBytes(canonical(o.Type, o.Payload))
}

// canonical produces the hashed byte representation: "<type> <size>\x00<payload>"
func canonical(typ ObjectType, payload []byte) []byte {
	header := fmt.Sprintf("%s %d\x00", typ, len(payload))
	buf := make([]byte, 0, len(header)+len(payload))
	buf = append(buf, header...)
	return append(buf, payload...)
}

// decodeCanonical splits a canonical byte representation back into type and payload
func decodeCanonical(data []byte) (*Object, error) {
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return nil, fmt.Errorf("object header: missing NUL separator")
	}
	header := string(data[:nul])
	sep := strings.IndexByte(header, ' ')
	if sep < 0 {
		return nil, fmt.Errorf("object header %q: missing size", header)
	}
	typ := ObjectType(header[:sep])
	if !ValidType(typ) {
		return nil, fmt.Errorf("object header: unknown type %q", typ)
	}
	size, err := strconv.ParseInt(header[sep+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("object header: bad size: %v", err)
	}
	payload := data[nul+1:]
	if int64(len(payload)) != size {
		return nil, fmt.Errorf("object size mismatch: header says %d, have %d", size, len(payload))
	}
	return &Object{Type: typ, Payload: payload}, nil
}

// Commit is the typed view over a commit payload
type Commit struct {
	Tree    Key
	Parents []Key
	Author  string
	Time    time.Time
	Message string
}

// TreeEntry is one child of a tree object
type TreeEntry struct {
	Mode string // octal file mode, e.g. 100644, 40000 for subtrees
	Name string
	Key  Key
}

// Tree is the typed view over a tree payload
type Tree struct {
	Entries []TreeEntry
}

// EncodeCommit produces the canonical commit payload.
//
// Field order is fixed so that encoding is deterministic:
//
//	tree <hex>
//	parent <hex>...
//	author <name>
//	time <unix seconds>
//	<blank>
//	<message>
func EncodeCommit(c *Commit) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "tree %s\n", c.Tree)
	for _, p := range c.Parents {
		fmt.Fprintf(&b, "parent %s\n", p)
	}
	fmt.Fprintf(&b, "author %s\n", c.Author)
	fmt.Fprintf(&b, "time %d\n", c.Time.Unix())
	b.WriteByte('\n')
	b.WriteString(c.Message)
	return []byte(b.String())
}

// ParseCommit decodes a commit payload into its typed view
func ParseCommit(payload []byte) (*Commit, error) {
	head, message, _ := strings.Cut(string(payload), "\n\n")
	c := &Commit{Message: message}
	sawTree := false
	for _, line := range strings.Split(head, "\n") {
		field, value, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("commit: malformed line %q", line)
		}
		switch field {
		case "tree":
			k, err := KeyFromString(value)
			if err != nil {
				return nil, fmt.Errorf("commit tree: %v", err)
			}
			c.Tree = k
			sawTree = true
		case "parent":
			k, err := KeyFromString(value)
			if err != nil {
				return nil, fmt.Errorf("commit parent: %v", err)
			}
			c.Parents = append(c.Parents, k)
		case "author":
			c.Author = value
		case "time":
			secs, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("commit time: %v", err)
			}
			c.Time = time.Unix(secs, 0).UTC()
		default:
			// unknown fields are skipped so the format can grow
		}
	}
	if !sawTree {
		return nil, fmt.Errorf("commit: missing tree")
	}
	return c, nil
}

// EncodeTree produces the canonical tree payload, entries sorted by name:
//
//	<mode> <hex> <name>\n
func EncodeTree(t *Tree) []byte {
	entries := make([]TreeEntry, len(t.Entries))
	copy(entries, t.Entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s %s\n", e.Mode, e.Key, e.Name)
	}
	return []byte(b.String())
}

// ParseTree decodes a tree payload into its typed view
func ParseTree(payload []byte) (*Tree, error) {
	t := &Tree{}
	for _, line := range strings.Split(strings.TrimSuffix(string(payload), "\n"), "\n") {
		if line == "" {
			continue
		}
		mode, rest, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("tree: malformed line %q", line)
		}
		hexKey, name, ok := strings.Cut(rest, " ")
		if !ok {
			return nil, fmt.Errorf("tree: malformed line %q", line)
		}
		k, err := KeyFromString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("tree entry %q: %v", name, err)
		}
		t.Entries = append(t.Entries, TreeEntry{Mode: mode, Name: name, Key: k})
	}
	return t, nil
}

// References returns the keys an object points at: tree and parents for a
// commit, entry keys for a tree, nothing for a blob.
func References(o *Object) ([]Key, error) {
	switch o.Type {
	case TypeCommit:
		c, err := ParseCommit(o.Payload)
		if err != nil {
			return nil, err
		}
		refs := make([]Key, 0, len(c.Parents)+1)
		refs = append(refs, c.Tree)
		return append(refs, c.Parents...), nil
	case TypeTree:
		t, err := ParseTree(o.Payload)
		if err != nil {
			return nil, err
		}
		refs := make([]Key, 0, len(t.Entries))
		for _, e := range t.Entries {
			refs = append(refs, e.Key)
		}
		return refs, nil
	default:
		return nil, nil
	}
}
