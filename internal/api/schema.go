package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type schemaSummaryResponse struct {
	Summary       string   `json:"summary"`
	Domains       []string `json:"domains"`
	CoreDomains   []string `json:"core_domains"`
	Relationships string   `json:"relationships"`
}

type domainInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	UseFor      string   `json:"use_for,omitempty"`
	Tables      []string `json:"tables"`
	Core        bool     `json:"core"`
}

type schemaContextRequest struct {
	Domains []string `json:"domains"`
}

type validateSQLRequest struct {
	SQL string `json:"sql"`
}

type validateSQLResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

func (s *Server) schemaSummary(w http.ResponseWriter, r *http.Request) {
	cat := s.cfg.Catalog
	writeJSON(w, http.StatusOK, schemaSummaryResponse{
		Summary:       cat.Summary(),
		Domains:       cat.AllDomains(),
		CoreDomains:   cat.CoreDomains(),
		Relationships: cat.Relationships(),
	})
}

func (s *Server) schemaDomains(w http.ResponseWriter, r *http.Request) {
	cat := s.cfg.Catalog
	core := map[string]bool{}
	for _, name := range cat.CoreDomains() {
		core[name] = true
	}
	domains := []domainInfo{}
	for _, name := range cat.AllDomains() {
		d, _ := cat.Describe(name)
		domains = append(domains, domainInfo{
			Name:        d.Name,
			Description: d.Description,
			UseFor:      d.UseFor,
			Tables:      d.Tables,
			Core:        core[d.Name],
		})
	}
	writeJSON(w, http.StatusOK, domains)
}

func (s *Server) schemaDomain(w http.ResponseWriter, r *http.Request) {
	d, ok := s.cfg.Catalog.Describe(strings.ToLower(chi.URLParam(r, "domain")))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown domain")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) schemaContext(w http.ResponseWriter, r *http.Request) {
	var req schemaContextRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Catalog.Render(s.cfg.Catalog.WithCore(req.Domains)))
}

func (s *Server) validateSQL(w http.ResponseWriter, r *http.Request) {
	var req validateSQLRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ok, reason := s.cfg.Validator.Validate(req.SQL)
	writeJSON(w, http.StatusOK, validateSQLResponse{Valid: ok, Error: reason})
}
