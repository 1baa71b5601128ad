package compose

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/shepherd/pkg/errkind"
)

// Stack is the in-memory form of a Compose v3 stack descriptor. The backing
// document is a plain mapping; serialization is deterministic regardless of
// the order keys were written in.
type Stack struct {
	doc map[string]any
}

// Parse reads a stack descriptor. Duplicate mapping keys are an error
// (yaml.v3 enforces this), and the document root must be a mapping with a
// services mapping.
func Parse(data []byte) (*Stack, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errkind.Wrap(errkind.RecipeFailed, "stack parse", err)
	}
	if doc == nil {
		return nil, errkind.Errorf(errkind.RecipeFailed, "stack parse", "stack file is empty")
	}
	if _, ok := doc["services"].(map[string]any); !ok {
		return nil, errkind.Errorf(errkind.RecipeFailed, "stack parse", "stack file has no services mapping")
	}
	return &Stack{doc: doc}, nil
}

// New builds a Stack from an existing document mapping. Used by tests.
func New(doc map[string]any) *Stack {
	if doc == nil {
		doc = map[string]any{}
	}
	return &Stack{doc: doc}
}

// Services returns the services mapping. Service bodies may be nil for
// services declared without keys.
func (s *Stack) Services() map[string]any {
	svcs, _ := s.doc["services"].(map[string]any)
	return svcs
}

// ServiceNames returns the sorted service names.
func (s *Stack) ServiceNames() []string {
	svcs := s.Services()
	names := make([]string, 0, len(svcs))
	for name := range svcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// serviceBody returns the mapping body of a service, materializing an empty
// one for bare service declarations.
func (s *Stack) serviceBody(name string) map[string]any {
	svcs := s.Services()
	body, ok := svcs[name].(map[string]any)
	if !ok {
		body = map[string]any{}
		svcs[name] = body
	}
	return body
}

// Images returns the sorted, deduplicated image references of all services.
func (s *Stack) Images() []string {
	set := make(map[string]bool)
	for _, name := range s.ServiceNames() {
		body, _ := s.Services()[name].(map[string]any)
		if img, ok := body["image"].(string); ok && img != "" {
			set[img] = true
		}
	}
	images := make([]string, 0, len(set))
	for img := range set {
		images = append(images, img)
	}
	sort.Strings(images)
	return images
}

// MarshalCanonical serializes the stack deterministically: mapping keys
// sorted at every level, block style, two-space indent, no anchors. The
// resulting byte sequence is the deploy artifact whose digest is tracked
// across cycles.
func (s *Stack) MarshalCanonical() ([]byte, error) {
	node, err := canonicalNode(s.doc)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return nil, fmt.Errorf("stack marshal: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("stack marshal: %w", err)
	}
	return buf.Bytes(), nil
}

// canonicalNode converts a decoded YAML value into a node tree with sorted
// mapping keys and block style throughout.
func canonicalNode(v any) (*yaml.Node, error) {
	switch t := v.(type) {
	case nil:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}, nil
	case map[string]any:
		node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k}
			valNode, err := canonicalNode(t[k])
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, keyNode, valNode)
		}
		return node, nil
	case map[any]any:
		converted := make(map[string]any, len(t))
		for k, val := range t {
			converted[fmt.Sprint(k)] = val
		}
		return canonicalNode(converted)
	case []any:
		node := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, item := range t {
			itemNode, err := canonicalNode(item)
			if err != nil {
				return nil, err
			}
			node.Content = append(node.Content, itemNode)
		}
		return node, nil
	default:
		node := &yaml.Node{}
		if err := node.Encode(v); err != nil {
			return nil, fmt.Errorf("stack marshal value %v: %w", v, err)
		}
		return node, nil
	}
}

// ContentDigest returns the hex SHA-256 of b. Fingerprints and the deployed
// stack digest all use this form.
func ContentDigest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
