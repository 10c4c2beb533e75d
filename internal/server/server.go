// Package server implements the admin HTTP API for the BIER daemon.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/dantte-lp/gobier/internal/bier"
	appversion "github.com/dantte-lp/gobier/internal/version"
)

// AdminServer exposes daemon state over a small JSON API:
//
//	GET /healthz  liveness probe
//	GET /status   daemon identity and table summary
//	GET /bift     full forwarding table dump
//
// The server is a thin read-only adapter; it always reports the engine's
// current table snapshot and holds no state of its own.
type AdminServer struct {
	engine *bier.Engine
	logger *slog.Logger
}

// New creates an AdminServer and returns its HTTP handler with logging
// and panic recovery middleware applied.
func New(engine *bier.Engine, logger *slog.Logger) http.Handler {
	srv := &AdminServer{
		engine: engine,
		logger: logger.With(slog.String("component", "server.admin")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /status", srv.handleStatus)
	mux.HandleFunc("GET /bift", srv.handleBIFT)

	return Recovery(srv.logger, Logging(srv.logger, mux))
}

// -------------------------------------------------------------------------
// Response Types
// -------------------------------------------------------------------------

// StatusResponse is the /status payload.
type StatusResponse struct {
	Version    string `json:"version"`
	BIFTs      int    `json:"bifts"`
	Entries    int    `json:"entries"`
	SubDomains []int  `json:"sub_domains"`
}

// BIFTResponse is the /bift payload: one element per installed table.
type BIFTResponse struct {
	BIFTs []BIFTDump `json:"bifts"`
}

// BIFTDump describes one installed table.
type BIFTDump struct {
	BIFTID    uint32      `json:"bift_id"`
	SubDomain uint8       `json:"sub_domain"`
	SetIndex  uint8       `json:"set_index"`
	BSL       int         `json:"bsl"`
	BFRID     uint16      `json:"bfr_id"`
	Entries   []EntryDump `json:"entries"`
}

// EntryDump describes one adjacency. The forwarding bitmask is rendered
// as hex, most significant byte first, matching the wire order.
type EntryDump struct {
	Bit     int    `json:"bit"`
	NextHop string `json:"next_hop"`
	FBM     string `json:"fbm"`
}

// -------------------------------------------------------------------------
// Handlers
// -------------------------------------------------------------------------

func (s *AdminServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	table := s.engine.Table()

	seen := make(map[uint8]struct{})
	var subDomains []int
	for _, b := range table.BIFTs() {
		if _, ok := seen[b.Key.SubDomain]; !ok {
			seen[b.Key.SubDomain] = struct{}{}
			subDomains = append(subDomains, int(b.Key.SubDomain))
		}
	}
	if subDomains == nil {
		subDomains = []int{}
	}

	s.writeJSON(w, StatusResponse{
		Version:    appversion.Version,
		BIFTs:      len(table.BIFTs()),
		Entries:    table.NumEntries(),
		SubDomains: subDomains,
	})
}

func (s *AdminServer) handleBIFT(w http.ResponseWriter, _ *http.Request) {
	table := s.engine.Table()

	resp := BIFTResponse{BIFTs: []BIFTDump{}}
	for _, b := range table.BIFTs() {
		dump := BIFTDump{
			BIFTID:    b.ID,
			SubDomain: b.Key.SubDomain,
			SetIndex:  b.Key.SetIndex,
			BSL:       b.BSL.Bits(),
			BFRID:     b.LocalBFRID,
			Entries:   []EntryDump{},
		}
		for _, pos := range b.Positions() {
			adj, ok := b.Adjacency(pos)
			if !ok {
				continue
			}
			dump.Entries = append(dump.Entries, EntryDump{
				Bit:     pos,
				NextHop: adj.NextHop.String(),
				FBM:     fmt.Sprintf("%x", adj.FBM.Bytes()),
			})
		}
		resp.BIFTs = append(resp.BIFTs, dump)
	}

	s.writeJSON(w, resp)
}

// writeJSON encodes v as the response body. Encoding failures are logged;
// by then the status line is already written, so the client sees a
// truncated body.
func (s *AdminServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", slog.String("error", err.Error()))
	}
}
