// Package fsm is a small finite-state machine over a comparable state type.
// The transition table is checked when the machine is built, so a table that
// names an unknown target state is rejected before any transition happens.
package fsm

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrInvalidTable      = errors.New("invalid transition table")
)

// Table maps every state to the states it may move to. Terminal states are
// present with no targets.
type Table[S comparable] map[S][]S

// Validate checks that every target is itself a state of the table.
func (t Table[S]) Validate() error {
	for from, targets := range t {
		for _, to := range targets {
			if _, ok := t[to]; !ok {
				return fmt.Errorf("%w: %v -> %v targets an unknown state", ErrInvalidTable, from, to)
			}
		}
	}
	return nil
}

type Machine[S comparable] struct {
	table   Table[S]
	current S
	history []S
}

func New[S comparable](initial S, table Table[S]) (*Machine[S], error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if _, ok := table[initial]; !ok {
		return nil, fmt.Errorf("%w: initial state %v not in table", ErrInvalidTable, initial)
	}

	return &Machine[S]{
		table:   table,
		current: initial,
		history: []S{initial},
	}, nil
}

// MustNew is New for package-level tables that are known to be valid.
func MustNew[S comparable](initial S, table Table[S]) *Machine[S] {
	m, err := New(initial, table)
	if err != nil {
		panic(err)
	}
	return m
}

func (m *Machine[S]) Current() S {
	return m.current
}

func (m *Machine[S]) Can(to S) bool {
	for _, s := range m.table[m.current] {
		if s == to {
			return true
		}
	}
	return false
}

func (m *Machine[S]) Transition(to S) error {
	if !m.Can(to) {
		return fmt.Errorf("%w: %v -> %v", ErrIllegalTransition, m.current, to)
	}
	m.current = to
	m.history = append(m.history, to)
	return nil
}

// Terminal reports whether the current state has no way out.
func (m *Machine[S]) Terminal() bool {
	return len(m.table[m.current]) == 0
}

// History returns every state visited, starting with the initial one.
func (m *Machine[S]) History() []S {
	return append([]S(nil), m.history...)
}
