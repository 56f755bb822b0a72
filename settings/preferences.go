package settings

import (
	"encoding/json"
	"fmt"
)

// Editor holds editor preferences.
type Editor struct {
	SpellCheck bool   `json:"spellCheck"`
	Width      string `json:"width"`

	// Extra holds editor keys this build does not know. It is nil when empty.
	Extra map[string]json.RawMessage `json:"-"`
}

// Preferences are the user's settings. Keys this build does not know are kept
// in Extra; nil and empty collections encode differently.
type Preferences struct {
	Theme       string            `json:"theme"`
	FontSize    int               `json:"fontSize"`
	Editor      *Editor           `json:"editor"`
	RecentFiles []string          `json:"recentFiles"`
	Custom      map[string]string `json:"custom"`

	// Extra holds top-level keys this build does not know. It is nil when
	// empty.
	Extra map[string]json.RawMessage `json:"-"`
}

type editorFields Editor

type preferenceFields Preferences

// MarshalJSON implements json.Marshaler.
func (e Editor) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}

	if e.SpellCheck {
		fields["spellCheck"] = true
	}

	if e.Width != "" {
		fields["width"] = e.Width
	}

	return marshalWithExtra(fields, e.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Editor) UnmarshalJSON(data []byte) error {
	var known editorFields
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("editor: %w", err)
	}

	extra, err := unknownKeys(data, "spellCheck", "width")
	if err != nil {
		return err
	}

	*e = Editor(known)
	e.Extra = extra

	return nil
}

// MarshalJSON implements json.Marshaler.
func (p Preferences) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}

	if p.Theme != "" {
		fields["theme"] = p.Theme
	}

	if p.FontSize != 0 {
		fields["fontSize"] = p.FontSize
	}

	if p.Editor != nil {
		fields["editor"] = p.Editor
	}

	if p.RecentFiles != nil {
		fields["recentFiles"] = p.RecentFiles
	}

	if p.Custom != nil {
		fields["custom"] = p.Custom
	}

	return marshalWithExtra(fields, p.Extra)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Preferences) UnmarshalJSON(data []byte) error {
	var known preferenceFields
	if err := json.Unmarshal(data, &known); err != nil {
		return fmt.Errorf("preferences: %w", err)
	}

	extra, err := unknownKeys(data, "theme", "fontSize", "editor", "recentFiles", "custom")
	if err != nil {
		return err
	}

	*p = Preferences(known)
	p.Extra = extra

	return nil
}

// marshalWithExtra encodes fields over extra; known fields win a clash.
func marshalWithExtra(fields map[string]any, extra map[string]json.RawMessage) ([]byte, error) {
	for key, raw := range extra {
		if _, known := fields[key]; !known {
			fields[key] = raw
		}
	}

	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode preferences: %w", err)
	}

	return data, nil
}

func unknownKeys(data []byte, known ...string) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("preferences: %w", err)
	}

	for _, key := range known {
		delete(all, key)
	}

	if len(all) == 0 {
		return nil, nil //nolint:nilnil // no unknown keys
	}

	return all, nil
}
