// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package profiles

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("profile not found")
	ErrDuplicateUID = errors.New("duplicate profile uid")
	ErrNoDraft      = errors.New("no draft in flight")
)

// ItemType is the kind of a profile item.
type ItemType string

const (
	TypeRemote ItemType = "remote"
	TypeLocal  ItemType = "local"
	TypeMerge  ItemType = "merge"
	TypeScript ItemType = "script"
)

// Selectable reports whether items of this type can be the active profile.
func (t ItemType) Selectable() bool {
	return t == TypeRemote || t == TypeLocal
}

// Option holds per-item fetch and refresh settings.
type Option struct {
	// UpdateInterval is the auto-refresh period in minutes; 0 disables it.
	UpdateInterval uint64 `json:"update_interval,omitempty" validate:"lte=525600"`

	// WithProxy fetches through the system proxy.
	WithProxy *bool `json:"with_proxy,omitempty"`

	// SelfProxy fetches through the running engine.
	SelfProxy *bool `json:"self_proxy,omitempty"`

	// UpdateAlways refreshes the item every time the controller starts.
	UpdateAlways *bool `json:"update_always,omitempty"`

	UserAgent      string `json:"user_agent,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" validate:"gte=0,lte=300"`
}

// Interval returns UpdateInterval as a duration of unit-sized steps.
func (o *Option) Interval(unit time.Duration) time.Duration {
	if o == nil {
		return 0
	}
	return time.Duration(o.UpdateInterval) * unit
}

func (o *Option) updateAlways() bool {
	return o != nil && o.UpdateAlways != nil && *o.UpdateAlways
}

// MergeOptions overlays the set fields of override onto base.
func MergeOptions(base, override *Option) *Option {
	switch {
	case base == nil && override == nil:
		return nil
	case base == nil:
		o := *override
		return &o
	case override == nil:
		o := *base
		return &o
	}
	out := *base
	if override.UpdateInterval != 0 {
		out.UpdateInterval = override.UpdateInterval
	}
	if override.WithProxy != nil {
		out.WithProxy = override.WithProxy
	}
	if override.SelfProxy != nil {
		out.SelfProxy = override.SelfProxy
	}
	if override.UpdateAlways != nil {
		out.UpdateAlways = override.UpdateAlways
	}
	if override.UserAgent != "" {
		out.UserAgent = override.UserAgent
	}
	if override.TimeoutSeconds != 0 {
		out.TimeoutSeconds = override.TimeoutSeconds
	}
	return &out
}

// Item is one managed profile.
type Item struct {
	UID     string   `json:"uid" validate:"required,excludesall=/\\"`
	Type    ItemType `json:"type" validate:"required,oneof=remote local merge script"`
	Name    string   `json:"name,omitempty"`
	Desc    string   `json:"desc,omitempty"`
	File    string   `json:"file,omitempty" validate:"omitempty,excludesall=/\\"`
	URL     string   `json:"url,omitempty" validate:"required_if=Type remote,omitempty,url"`
	Updated int64    `json:"updated,omitempty"`
	Option  *Option  `json:"option,omitempty"`
}

// NewUID returns a fresh uid with a one-letter type prefix.
func NewUID(t ItemType) string {
	prefix := "l"
	if t != "" {
		prefix = string(t)[:1]
	}
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// DefaultFile is the document file name for uid.
func DefaultFile(uid string) string {
	return uid + ".yaml"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks an item's fields.
func (it Item) Validate() error {
	if err := validate.Struct(it); err != nil {
		return fmt.Errorf("invalid profile %q: %w", it.UID, err)
	}
	return nil
}

// State is the profile list plus the active profile's uid.
//
// Current is empty when no profile is active.
type State struct {
	Current string `json:"current,omitempty"`
	Items   []Item `json:"items"`
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := State{Current: s.Current, Items: make([]Item, len(s.Items))}
	for i, it := range s.Items {
		if it.Option != nil {
			o := *it.Option
			it.Option = &o
		}
		out.Items[i] = it
	}
	return out
}

// Item returns the item with uid.
func (s State) Item(uid string) (Item, bool) {
	if i := s.index(uid); i >= 0 {
		return s.Items[i], true
	}
	return Item{}, false
}

// CurrentItem returns the active item, if any.
func (s State) CurrentItem() (Item, bool) {
	if s.Current == "" {
		return Item{}, false
	}
	return s.Item(s.Current)
}

// FindByURL returns the first item fetched from url.
func (s State) FindByURL(url string) (Item, bool) {
	for _, it := range s.Items {
		if it.URL != "" && it.URL == url {
			return it, true
		}
	}
	return Item{}, false
}

// HasSelectable reports whether any remote or local item remains.
func (s State) HasSelectable() bool {
	return slices.ContainsFunc(s.Items, func(it Item) bool { return it.Type.Selectable() })
}

func (s State) index(uid string) int {
	return slices.IndexFunc(s.Items, func(it Item) bool { return it.UID == uid })
}

// Validate checks the commit invariants: uids are unique and Current, if
// set, names an existing item.
func (s State) Validate() error {
	seen := make(map[string]struct{}, len(s.Items))
	for _, it := range s.Items {
		if _, dup := seen[it.UID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateUID, it.UID)
		}
		seen[it.UID] = struct{}{}
	}
	if s.Current != "" {
		if _, ok := seen[s.Current]; !ok {
			return fmt.Errorf("%w: current %s", ErrNotFound, s.Current)
		}
	}
	return nil
}

// Append adds item at the end of the list.
func (s *State) Append(item Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if s.index(item.UID) >= 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateUID, item.UID)
	}
	s.Items = append(s.Items, item)
	return nil
}

// Replace swaps the stored item for a freshly fetched version, keeping
// its uid, type, file and user-edited name.
func (s *State) Replace(uid string, fresh Item) error {
	i := s.index(uid)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	old := s.Items[i]
	fresh.UID = old.UID
	fresh.Type = old.Type
	fresh.File = old.File
	if old.Name != "" {
		fresh.Name = old.Name
	}
	if fresh.Desc == "" {
		fresh.Desc = old.Desc
	}
	if fresh.URL == "" {
		fresh.URL = old.URL
	}
	fresh.Option = MergeOptions(old.Option, fresh.Option)
	s.Items[i] = fresh
	return nil
}

// PatchItem overlays the non-empty fields of patch onto the item. A
// non-nil patch.Option replaces the item's options.
func (s *State) PatchItem(uid string, patch Item) error {
	i := s.index(uid)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	it := s.Items[i]
	if patch.Name != "" {
		it.Name = patch.Name
	}
	if patch.Desc != "" {
		it.Desc = patch.Desc
	}
	if patch.URL != "" {
		it.URL = patch.URL
	}
	if patch.Updated != 0 {
		it.Updated = patch.Updated
	}
	if patch.Option != nil {
		// Options are replaced wholesale so a zero interval can turn
		// auto-refresh off.
		o := *patch.Option
		it.Option = &o
	}
	if err := it.Validate(); err != nil {
		return err
	}
	s.Items[i] = it
	return nil
}

// Delete removes uid. If it was current, the first remaining selectable
// item becomes current (or none).
func (s *State) Delete(uid string) (removed Item, wasCurrent bool, err error) {
	i := s.index(uid)
	if i < 0 {
		return Item{}, false, fmt.Errorf("%w: %s", ErrNotFound, uid)
	}
	removed = s.Items[i]
	s.Items = slices.Delete(s.Items, i, i+1)
	if s.Current == uid {
		wasCurrent = true
		s.Current = ""
		for _, it := range s.Items {
			if it.Type.Selectable() {
				s.Current = it.UID
				break
			}
		}
	}
	return removed, wasCurrent, nil
}

// Reorder moves active to the position currently held by over.
func (s *State) Reorder(active, over string) error {
	from, to := s.index(active), s.index(over)
	if from < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, active)
	}
	if to < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, over)
	}
	if from == to {
		return nil
	}
	it := s.Items[from]
	s.Items = slices.Delete(s.Items, from, from+1)
	s.Items = slices.Insert(s.Items, to, it)
	return nil
}

// Patch is a partial update of State. Nil fields are left unchanged.
type Patch struct {
	Current *string `json:"current,omitempty"`
	Items   []Item  `json:"items,omitempty"`
}

// SwitchTo builds a patch that only changes the active profile.
func SwitchTo(uid string) Patch {
	return Patch{Current: &uid}
}

// Target returns the requested active profile, if the patch sets one.
func (p Patch) Target() (string, bool) {
	if p.Current == nil {
		return "", false
	}
	return *p.Current, true
}

// ApplyTo overlays the patch onto s.
func (p Patch) ApplyTo(s *State) {
	if p.Current != nil {
		s.Current = *p.Current
	}
	if p.Items != nil {
		s.Items = append([]Item(nil), p.Items...)
	}
}

// UpdateAlways lists the uids refreshed on every start.
func (s State) UpdateAlways() []string {
	var uids []string
	for _, it := range s.Items {
		if it.Type == TypeRemote && it.Option.updateAlways() {
			uids = append(uids, it.UID)
		}
	}
	return uids
}
