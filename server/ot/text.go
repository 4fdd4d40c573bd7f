package ot

// Text is a local replica of a document.
// TODO: Support cursors and selections, transformed alongside ops.
type Text struct {
	value string
}

func NewText(s string) *Text {
	return &Text{value: s}
}

func (t *Text) Value() string {
	return t.value
}

// Reset replaces the whole value, e.g. after a resynchronization.
func (t *Text) Reset(s string) {
	t.value = s
}

// Apply applies op. The text is unchanged if op fails.
func (t *Text) Apply(op Op) error {
	value, err := op.Apply(t.value)
	if err != nil {
		return err
	}
	t.value = value
	return nil
}

// ApplyEdits applies edits in order. The text is unchanged if any edit fails.
func (t *Text) ApplyEdits(edits []TextEdit) error {
	value := t.value
	for _, e := range edits {
		var err error
		if value, err = e.Apply(value); err != nil {
			return err
		}
	}
	t.value = value
	return nil
}

// Digest returns the checksum digest of the current value.
func (t *Text) Digest() Digest {
	return DigestOf(t.value)
}
