package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/codeready-toolchain/relay/pkg/models"
)

// accumulator is the in-memory snapshot of one assistant message. The
// runtime applies every snapshot event here before persisting it, so the
// render written at flush time reflects exactly the events with
// seq <= lastSeq.
//
// Not goroutine-safe: only the consume loop touches it.
type accumulator struct {
	textParts []string
	events    []map[string]any

	// lastSeq is the highest seq persisted for this message so far.
	lastSeq int64

	// dirty counts snapshot events applied since the last snapshot write.
	dirty int
}

func newAccumulator() *accumulator {
	return &accumulator{}
}

// apply folds one snapshot event into the render document. assistant_text
// events also contribute to the flattened content text.
func (a *accumulator) apply(kind models.EventKind, payload map[string]any) {
	doc := make(map[string]any, len(payload)+1)
	doc["type"] = string(kind)
	for k, v := range payload {
		if k == "type" {
			continue
		}
		doc[k] = v
	}
	a.events = append(a.events, doc)
	a.dirty++

	if kind == models.EventKindAssistantText {
		if text, ok := payload["text"].(string); ok {
			a.textParts = append(a.textParts, text)
		}
	}
}

// contentText returns the flattened assistant text applied so far.
func (a *accumulator) contentText() string {
	return strings.Join(a.textParts, "")
}

// renderJSON encodes the render document. Segments is reserved and always
// written empty.
func (a *accumulator) renderJSON() (json.RawMessage, error) {
	render := models.Render{
		Events:   a.events,
		Segments: make([]any, 0),
	}
	if render.Events == nil {
		render.Events = make([]map[string]any, 0)
	}
	raw, err := json.Marshal(&render)
	if err != nil {
		return nil, fmt.Errorf("failed to encode render document: %w", err)
	}
	return raw, nil
}

// markClean resets the dirty watermark after a snapshot write.
func (a *accumulator) markClean() {
	a.dirty = 0
}
