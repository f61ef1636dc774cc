package index

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

// Writer provides idempotent vector storage and brute-force cosine
// similarity search backed by SQLite. Upserts are keyed by chunk id, so
// re-running ingestion for an unchanged document leaves the index unchanged.
//
// When the entry count exceeds ~100K and query latency becomes noticeable,
// consider migrating to an ANN-capable backend; the scan here is O(n) per
// query.
type Writer struct {
	db *sql.DB
}

// NewWriter wraps an existing *sql.DB for index operations. The
// index_entries table must already exist (created via migrations).
func NewWriter(db *sql.DB) *Writer {
	return &Writer{db: db}
}

// Upsert writes entries, replacing any existing row with the same chunk id.
// Applying the same entries twice leaves the table byte-identical.
func (w *Writer) Upsert(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO index_entries (chunk_id, document_id, seq, text, start_offset, end_offset, embedding, model, dim, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chunk_id) DO UPDATE SET
			document_id = excluded.document_id,
			seq = excluded.seq,
			text = excluded.text,
			start_offset = excluded.start_offset,
			end_offset = excluded.end_offset,
			embedding = excluded.embedding,
			model = excluded.model,
			dim = excluded.dim`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		blob := encodeFloat32s(e.Vector)
		createdAt := e.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(e.ChunkID, e.DocumentID, e.Seq, e.Text, e.Start, e.End,
			blob, e.Model, e.Dim, createdAt.Format(time.RFC3339)); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting entry %s: %w", e.ChunkID, err)
		}
	}

	return tx.Commit()
}

// DeleteByDocument removes every entry for a document. Deleting a document
// with no entries is not an error; the call is used both for re-ingestion
// cleanup and cancellation rollback.
func (w *Writer) DeleteByDocument(documentID string) error {
	_, err := w.db.Exec("DELETE FROM index_entries WHERE document_id = ?", documentID)
	if err != nil {
		return fmt.Errorf("deleting entries for document %s: %w", documentID, err)
	}
	return nil
}

// CountByDocument returns the number of entries stored for a document.
func (w *Writer) CountByDocument(documentID string) (int, error) {
	var count int
	err := w.db.QueryRow("SELECT COUNT(*) FROM index_entries WHERE document_id = ?", documentID).Scan(&count)
	return count, err
}

// candidate holds the scan-phase fields; full rows are fetched only for the
// top-K winners.
type candidate struct {
	ChunkID string
	Seq     int
	Score   float32
}

// Query performs brute-force cosine similarity search over entries matching
// the filter, returning the top-K most similar, ranked by score descending
// with ties broken by sequence index ascending. An empty index or a filter
// that matches nothing yields an empty result, not an error.
func (w *Writer) Query(vector []float32, k int, f Filter) ([]ScoredEntry, error) {
	if k <= 0 {
		return nil, nil
	}

	query := `SELECT chunk_id, seq, embedding FROM index_entries`
	var conds []string
	var args []any
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if len(f.DocumentIDs) > 0 {
		conds = append(conds, "document_id IN (?"+strings.Repeat(",?", len(f.DocumentIDs)-1)+")")
		for _, id := range f.DocumentIDs {
			args = append(args, id)
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := w.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	h := &candidateHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var c candidate
		var blob []byte
		if err := rows.Scan(&c.ChunkID, &c.Seq, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", c.ChunkID, err)
		}

		c.Score = cosine(vector, buf, queryNorm)
		if h.Len() < k {
			heap.Push(h, c)
		} else if beats(c, (*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Fetch full entries only for the winners.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		c := heap.Pop(h).(candidate)
		topIDs[i] = c.ChunkID
		scores[c.ChunkID] = c.Score
	}

	queryArgs := make([]any, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `SELECT chunk_id, document_id, seq, text, start_offset, end_offset, embedding, model, dim, created_at
		FROM index_entries WHERE chunk_id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := w.db.Query(fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K entries: %w", err)
	}
	defer fullRows.Close()

	var results []ScoredEntry
	for fullRows.Next() {
		e, err := scanEntry(fullRows)
		if err != nil {
			return nil, err
		}
		results = append(results, ScoredEntry{Entry: e, Score: scores[e.ChunkID]})
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full entries: %w", err)
	}

	// The IN query does not preserve order; re-rank deterministically.
	sortRanked(results)

	return results, nil
}

// EntriesByDocument returns a document's entries ordered by sequence index.
func (w *Writer) EntriesByDocument(documentID string) ([]Entry, error) {
	rows, err := w.db.Query(`SELECT chunk_id, document_id, seq, text, start_offset, end_offset, embedding, model, dim, created_at
		FROM index_entries WHERE document_id = ? ORDER BY seq ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying entries for document %s: %w", documentID, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var blob []byte
	var createdAt string
	if err := rows.Scan(&e.ChunkID, &e.DocumentID, &e.Seq, &e.Text, &e.Start, &e.End,
		&blob, &e.Model, &e.Dim, &createdAt); err != nil {
		return Entry{}, fmt.Errorf("scanning entry: %w", err)
	}
	vec, err := decodeFloat32s(blob)
	if err != nil {
		return Entry{}, fmt.Errorf("decoding embedding for %s: %w", e.ChunkID, err)
	}
	e.Vector = vec
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Entry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	e.CreatedAt = t
	return e, nil
}

// beats reports whether a ranks strictly above b: higher score wins, equal
// scores fall back to the lower sequence index.
func beats(a, b candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Seq < b.Seq
}

// sortRanked sorts by score descending, ties by sequence ascending. Used for
// small slices (top-K).
func sortRanked(results []ScoredEntry) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && rankedBefore(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

func rankedBefore(a, b ScoredEntry) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Seq < b.Seq
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes dot(a,b) / (aNorm * bNorm). aNorm is the precomputed L2
// norm of the query vector.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// candidateHeap is a min-heap ordered so the weakest candidate sits at the
// root: lowest score first, ties with the higher sequence index first.
type candidateHeap []candidate

func (h candidateHeap) Len() int           { return len(h) }
func (h candidateHeap) Less(i, j int) bool { return beats(h[j], h[i]) }
func (h candidateHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
