// Package reporter forwards slave results to the web front end.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mateo/testfarm/internal/protocol"
)

const (
	WhatCase   = "Case"
	WhatScript = "Script"

	DefaultQueueSize = 256
)

// Notice is the body POSTed to the status endpoint.
type Notice struct {
	Protocol Payload `json:"protocol"`
}

type Payload struct {
	What    string `json:"what"`
	RoundID int64  `json:"round_id"`
	Data    any    `json:"data"`
}

type CaseData struct {
	ScriptName string `json:"script_name"`
	CaseID     string `json:"case_id"`
	Result     string `json:"result"`
	Error      string `json:"error"`
	ScreenShot string `json:"screen_shot"`
	ServerLog  string `json:"server_log"`
}

type ScriptData struct {
	ScriptName string            `json:"script_name"`
	State      string            `json:"state"`
	Service    map[string]string `json:"service,omitempty"`
}

func CaseNotice(cs *protocol.CaseStatus) Notice {
	return Notice{Protocol: Payload{
		What:    WhatCase,
		RoundID: cs.RoundID,
		Data: CaseData{
			ScriptName: cs.ScriptName,
			CaseID:     cs.CaseID,
			Result:     cs.Status,
			Error:      cs.Description,
			ScreenShot: cs.ScreenShot,
			ServerLog:  cs.ServerLog,
		},
	}}
}

func ScriptNotice(ss *protocol.ScriptStatus) Notice {
	var services map[string]string
	if len(ss.Services) > 0 {
		services = make(map[string]string, len(ss.Services))
		for _, s := range ss.Services {
			services[s.Name] = s.Version
		}
	}
	return Notice{Protocol: Payload{
		What:    WhatScript,
		RoundID: ss.RoundID,
		Data: ScriptData{
			ScriptName: ss.ScriptName,
			State:      ss.Status,
			Service:    services,
		},
	}}
}

// KillNotice tells the front end a script was killed by the farm.
func KillNotice(roundID int64, script string) Notice {
	return Notice{Protocol: Payload{
		What:    WhatScript,
		RoundID: roundID,
		Data:    ScriptData{ScriptName: script, State: protocol.ScriptKilled},
	}}
}

// Forwarder posts notices from a single background worker so slow HTTP
// never holds up the caller. Failed posts are logged and dropped.
type Forwarder struct {
	url    string
	client *http.Client
	queue  chan Notice

	stopCh   chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

func New(baseURL string, timeout time.Duration, queueSize int) *Forwarder {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Forwarder{
		url: fmt.Sprintf("%s/status/update", strings.TrimRight(baseURL, "/")),
		client: &http.Client{
			Timeout: timeout,
		},
		queue:    make(chan Notice, queueSize),
		stopCh:   make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (f *Forwarder) Start() {
	go f.run()
}

// Forward queues n without blocking.
func (f *Forwarder) Forward(n Notice) {
	select {
	case <-f.stopCh:
		log.Printf("Reporter stopped, dropping %s notice for round %d", n.Protocol.What, n.Protocol.RoundID)
		return
	default:
	}

	select {
	case f.queue <- n:
	default:
		log.Printf("Warning: reporter queue full, dropping %s notice for round %d", n.Protocol.What, n.Protocol.RoundID)
	}
}

// Stop flushes queued notices, giving up when ctx ends.
func (f *Forwarder) Stop(ctx context.Context) error {
	f.stopOnce.Do(func() { close(f.stopCh) })
	select {
	case <-f.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Forwarder) run() {
	defer close(f.finished)
	for {
		select {
		case n := <-f.queue:
			f.post(n)
		case <-f.stopCh:
			for {
				select {
				case n := <-f.queue:
					f.post(n)
				default:
					return
				}
			}
		}
	}
}

func (f *Forwarder) post(n Notice) {
	data, err := json.Marshal(n)
	if err != nil {
		log.Printf("Failed to marshal status notice: %v", err)
		return
	}

	resp, err := f.client.Post(f.url, "application/json", bytes.NewReader(data))
	if err != nil {
		log.Printf("Failed to report %s status for round %d: %v", n.Protocol.What, n.Protocol.RoundID, err)
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("Status report for round %d returned HTTP %d", n.Protocol.RoundID, resp.StatusCode)
	}
}
