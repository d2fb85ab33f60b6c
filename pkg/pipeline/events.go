// Copyright 2025 The Dossier Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"time"

	"github.com/dossier-ai/dossier/pkg/evidence"
)

// Phase names the pipeline stages.
type Phase string

const (
	PhaseStrategy   Phase = "STRATEGY"
	PhaseRetrieval  Phase = "RETRIEVAL"
	PhaseAnalysis   Phase = "ANALYSIS"
	PhaseValidation Phase = "VALIDATION"
	PhaseAnswer     Phase = "ANSWER"
)

// EventType discriminates stream events.
type EventType string

const (
	EventPhaseStart    EventType = "phase_start"
	EventPhaseComplete EventType = "phase_complete"
	EventProgress      EventType = "progress"
	EventToken         EventType = "token"
	EventSources       EventType = "sources"
	EventFinal         EventType = "final"
	EventError         EventType = "error"
)

// Event is one unit of the ordered stream a run produces. Token events
// appear only during the answer phase; final is always last on success.
type Event struct {
	Type      EventType         `json:"type"`
	Phase     Phase             `json:"phase,omitempty"`
	Message   string            `json:"message,omitempty"`
	Content   string            `json:"content,omitempty"`
	Sources   []evidence.Source `json:"sources,omitempty"`
	Summary   string            `json:"state_summary,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// emitter serializes events onto one channel and respects cancellation.
type emitter struct {
	ch  chan<- Event
	ctx interface{ Done() <-chan struct{} }
}

func (e *emitter) send(ev Event) bool {
	ev.Timestamp = time.Now().UTC()
	// Cancellation wins over a ready buffer slot.
	select {
	case <-e.ctx.Done():
		return false
	default:
	}
	select {
	case e.ch <- ev:
		return true
	case <-e.ctx.Done():
		return false
	}
}

func (e *emitter) phaseStart(p Phase) bool {
	return e.send(Event{Type: EventPhaseStart, Phase: p})
}

func (e *emitter) phaseComplete(p Phase) bool {
	return e.send(Event{Type: EventPhaseComplete, Phase: p})
}

func (e *emitter) progress(p Phase, msg string) bool {
	return e.send(Event{Type: EventProgress, Phase: p, Message: msg})
}

func (e *emitter) token(content string) bool {
	return e.send(Event{Type: EventToken, Content: content})
}
