// ABOUTME: Document lane: claims pending documents and runs them through an Indexer
// ABOUTME: The default indexer splits content into bounded chunks on paragraph breaks

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/2389/agent-gateway/internal/store"
)

// ErrEmptyDocument is returned when a document has no content to index.
var ErrEmptyDocument = errors.New("document has no content")

// Indexer turns a document into indexed chunks.
type Indexer interface {
	Index(ctx context.Context, doc *store.Document) (chunks int, err error)
}

// DefaultChunkSize is the chunk length in characters.
const DefaultChunkSize = 1000

// ChunkIndexer splits documents on blank lines and packs paragraphs into
// chunks of at most Size characters. Longer paragraphs are split hard.
type ChunkIndexer struct {
	Size int
}

// NewChunkIndexer returns a chunk indexer; size <= 0 uses DefaultChunkSize.
func NewChunkIndexer(size int) *ChunkIndexer {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &ChunkIndexer{Size: size}
}

// Index counts the chunks doc's content splits into.
func (c *ChunkIndexer) Index(ctx context.Context, doc *store.Document) (int, error) {
	return len(c.Chunks(doc.Content)), nil
}

// Chunks splits content into chunks. Lengths are counted in runes and
// hard splits never cut a multi-byte character.
func (c *ChunkIndexer) Chunks(content string) []string {
	var (
		chunks []string
		cur    strings.Builder
		curLen int
	)
	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
			curLen = 0
		}
	}
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		n := utf8.RuneCountInString(para)
		for n > c.Size {
			flush()
			cut := runeOffset(para, c.Size)
			chunks = append(chunks, para[:cut])
			para = para[cut:]
			n -= c.Size
		}
		if curLen > 0 && curLen+2+n > c.Size {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(para)
		curLen += n
	}
	flush()
	return chunks
}

// runeOffset is the byte offset of the n-th rune in s.
func runeOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}

// IndexDocument claims a pending document and indexes it.
func (o *Orchestrator) IndexDocument(ctx context.Context, id string) error {
	if err := o.store.ClaimDocument(ctx, id, o.now()); err != nil {
		return fmt.Errorf("claiming document %s: %w", id, err)
	}
	doc, err := o.store.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("loading document %s: %w", id, err)
	}

	persist := context.WithoutCancel(ctx)
	ctx, span := o.tracer.Start(ctx, "document.index")
	defer span.End()

	chunks, indexErr := o.index(ctx, doc)
	result := store.DocumentResult{At: o.now()}
	if indexErr != nil {
		msg := truncate(indexErr.Error(), o.cfg.ErrorLimit)
		result.Status = store.DocumentStatusFailed
		result.Error = &msg
	} else {
		result.Status = store.DocumentStatusIndexed
		result.ChunkCount = chunks
	}
	if err := o.store.FinishDocument(persist, id, result); err != nil {
		return fmt.Errorf("finishing document %s: %w", id, err)
	}

	if indexErr != nil {
		o.metrics.DocumentsFailed.Add(persist, 1)
		o.bus.PublishNowait("document.failed", map[string]any{"document_id": id, "error": indexErr.Error()})
		return nil
	}
	o.metrics.DocumentsIndexed.Add(persist, 1)
	o.logger.Info("document indexed", "document_id", id, "chunks", chunks)
	o.bus.PublishNowait("document.indexed", map[string]any{"document_id": id, "chunks": chunks})
	return nil
}

func (o *Orchestrator) index(ctx context.Context, doc *store.Document) (int, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return 0, ErrEmptyDocument
	}
	return o.indexer.Index(ctx, doc)
}
