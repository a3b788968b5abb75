package main

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/urizennnn/portfolio-feed/github"
)

// streamSink writes the repo listing as newline-delimited JSON: one "render"
// line with every repo, then one "patch" line per enriched repo.
type streamSink struct {
	mu  sync.Mutex
	enc *json.Encoder
	err error
}

type sinkLine struct {
	Op    string        `json:"op"`
	Index *int          `json:"index,omitempty"`
	Repos []github.Repo `json:"repos,omitempty"`
	Repo  *github.Repo  `json:"repo,omitempty"`
}

func newStreamSink(w io.Writer) *streamSink {
	return &streamSink{enc: json.NewEncoder(w)}
}

func (s *streamSink) Render(repos []github.Repo) {
	s.write(sinkLine{Op: "render", Repos: repos})
}

func (s *streamSink) Patch(i int, r github.Repo) {
	s.write(sinkLine{Op: "patch", Index: &i, Repo: &r})
}

func (s *streamSink) write(l sinkLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = s.enc.Encode(l)
}

// Err returns the first write failure.
func (s *streamSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
