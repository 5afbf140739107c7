package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxExams    = "eegflow_exams"
	idxPatients = "eegflow_patients"
)

// Meili is the remote search tier backed by Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes. An
// unreachable server is tolerated; the health loop flips the tier back on
// when it recovers.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxExams,
			primaryKey: "id",
			filterable: []string{"stage", "patientId"},
			searchable: []string{"patientName", "admissionId", "admissionType"},
		},
		{
			uid:        idxPatients,
			primaryKey: "id",
			searchable: []string{"name", "code"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		if len(idx.filterable) > 0 {
			filterableInterface := make([]interface{}, len(idx.filterable))
			for i, v := range idx.filterable {
				filterableInterface[i] = v
			}
			if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
				log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
			}
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results in
// the remote ranking order.
func (m *Meili) Search(q Query) ([]Hit, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		kind Kind
	}{
		{idxExams, KindExam},
		{idxPatients, KindPatient},
	}

	for _, ti := range targetIndexes {
		if q.FilterKind != "" && q.FilterKind != ti.kind {
			continue
		}
		queries = append(queries, &meili.SearchRequest{
			IndexUID: ti.uid,
			Query:    q.Text,
			Limit:    limit,
		})
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var hits []Hit
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		kind := indexToKind(sr.IndexUID)
		for _, hit := range sr.Hits {
			hits = append(hits, hitToResult(hit, kind))
		}
	}

	return hits, total, nil
}

func indexToKind(uid string) Kind {
	switch uid {
	case idxExams:
		return KindExam
	case idxPatients:
		return KindPatient
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, kind Kind) Hit {
	h := Hit{Kind: kind}
	h.ID = decodeString(hit, "id")
	switch kind {
	case KindExam:
		h.PatientID = decodeString(hit, "patientId")
		h.Stage = decodeString(hit, "stage")
		h.Title = decodeString(hit, "patientName")
		h.Snippet = strings.TrimSpace(decodeString(hit, "admissionType") + " " + decodeString(hit, "admissionId"))
	case KindPatient:
		h.Title = decodeString(hit, "name")
		h.Snippet = decodeString(hit, "code")
	}
	return h
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

// IndexExam adds or updates an exam in the search index.
func (m *Meili) IndexExam(record ExamRecord) error {
	_, err := m.client.Index(idxExams).AddDocuments([]ExamRecord{record}, nil)
	return err
}

// IndexPatient adds or updates a patient in the search index.
func (m *Meili) IndexPatient(record PatientRecord) error {
	_, err := m.client.Index(idxPatients).AddDocuments([]PatientRecord{record}, nil)
	return err
}

// IndexExams bulk-indexes exams.
func (m *Meili) IndexExams(records []ExamRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxExams).AddDocuments(records, nil)
	return err
}

// IndexPatients bulk-indexes patients.
func (m *Meili) IndexPatients(records []PatientRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxPatients).AddDocuments(records, nil)
	return err
}

// DeleteExam removes an exam from the search index.
func (m *Meili) DeleteExam(id string) error {
	_, err := m.client.Index(idxExams).DeleteDocument(id, nil)
	return err
}
