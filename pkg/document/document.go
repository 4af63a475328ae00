// Package document provides a built-in transactional child: a JSON document
// store with get/set/delete/keys methods. It is the default agent body the
// daemon hosts, and doubles as a reference implementation of the Child
// contract.
package document

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roostlabs/roost/pkg/agent"
	"github.com/roostlabs/roost/pkg/envelope"
)

// Store is a per-agent map of JSON values. Mutations between Begin and
// Commit stay in memory; Abort restores the pre-Begin map, so handlers can
// mutate freely and let the transaction outcome decide.
type Store struct {
	docs     map[string]json.RawMessage
	rollback map[string]json.RawMessage
}

// New creates an empty Store.
func New() *Store {
	return &Store{}
}

// Name implements agent.Child.
func (s *Store) Name() string { return "document" }

// Init implements agent.Child.
func (s *Store) Init() {
	s.docs = make(map[string]json.RawMessage)
}

// Resume implements agent.Child.
func (s *Store) Resume(share json.RawMessage) error {
	s.docs = make(map[string]json.RawMessage)
	if share == nil {
		return nil
	}
	if err := json.Unmarshal(share, &s.docs); err != nil {
		return fmt.Errorf("document: decode snapshot share: %w", err)
	}
	return nil
}

// Begin implements agent.Child: copy the map so Abort can restore it.
func (s *Store) Begin(msg *envelope.Message) {
	s.rollback = make(map[string]json.RawMessage, len(s.docs))
	for k, v := range s.docs {
		s.rollback[k] = v
	}
}

// Prepare implements agent.Child.
func (s *Store) Prepare() (json.RawMessage, error) {
	return json.Marshal(s.docs)
}

// Commit implements agent.Child.
func (s *Store) Commit() error {
	s.rollback = nil
	return nil
}

// Abort implements agent.Child.
func (s *Store) Abort() error {
	s.docs = s.rollback
	s.rollback = nil
	return nil
}

type setParams struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type keyParams struct {
	Key string `json:"key"`
}

// Methods returns the dispatch table operating on this store. Missing keys
// are application-level errors carried in the Result, not transaction
// failures.
func (s *Store) Methods() map[string]agent.Handler {
	return map[string]agent.Handler{
		"document.set":    s.set,
		"document.get":    s.get,
		"document.delete": s.delete,
		"document.keys":   s.keys,
	}
}

func (s *Store) set(ctx context.Context, msg *envelope.Message) (*envelope.Result, error) {
	var p setParams
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Key == "" {
		return nil, envelope.NewSystemError(msg, envelope.CodeInvalidParams, "set needs key and value")
	}
	s.docs[p.Key] = p.Value
	return &envelope.Result{Data: json.RawMessage(`true`)}, nil
}

func (s *Store) get(ctx context.Context, msg *envelope.Message) (*envelope.Result, error) {
	var p keyParams
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Key == "" {
		return nil, envelope.NewSystemError(msg, envelope.CodeInvalidParams, "get needs key")
	}
	value, ok := s.docs[p.Key]
	if !ok {
		return &envelope.Result{Error: json.RawMessage(fmt.Sprintf("%q", "no such key: "+p.Key))}, nil
	}
	return &envelope.Result{Data: value}, nil
}

func (s *Store) delete(ctx context.Context, msg *envelope.Message) (*envelope.Result, error) {
	var p keyParams
	if err := json.Unmarshal(msg.Params, &p); err != nil || p.Key == "" {
		return nil, envelope.NewSystemError(msg, envelope.CodeInvalidParams, "delete needs key")
	}
	_, ok := s.docs[p.Key]
	delete(s.docs, p.Key)
	data, _ := json.Marshal(ok)
	return &envelope.Result{Data: data}, nil
}

func (s *Store) keys(ctx context.Context, msg *envelope.Message) (*envelope.Result, error) {
	keys := make([]string, 0, len(s.docs))
	for k := range s.docs {
		keys = append(keys, k)
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return nil, err
	}
	return &envelope.Result{Data: data}, nil
}

// Factory builds a fresh document-store agent body for the given id. It is
// the daemon's default agent factory.
func Factory(agentID string) (agent.Options, error) {
	store := New()
	return agent.Options{
		Children: []agent.Child{store},
		Methods:  store.Methods(),
	}, nil
}
