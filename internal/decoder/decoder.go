// Package decoder turns compressed, encrypted usage archives into priced
// ledger rows.
package decoder

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/golang/snappy"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/envelope"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/objectstore"
	"github.com/smallbiznis/meterline/internal/pricing"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

type Decoder struct {
	store     objectstore.Store
	decryptor envelope.Decryptor
	calc      *pricing.Calculator
	repo      ledgerdomain.Repository
	genID     *snowflake.Node
	clock     clock.Clock
	log       *zap.Logger
}

func New(
	store objectstore.Store,
	decryptor envelope.Decryptor,
	calc *pricing.Calculator,
	repo ledgerdomain.Repository,
	genID *snowflake.Node,
	clk clock.Clock,
	log *zap.Logger,
) *Decoder {
	return &Decoder{
		store:     store,
		decryptor: decryptor,
		calc:      calc,
		repo:      repo,
		genID:     genID,
		clock:     clk,
		log:       log.Named("decoder"),
	}
}

// rawRecord is one usage log line as produced upstream. Metadata and
// ResponseBody are envelope-encrypted independently.
type rawRecord struct {
	OrganizationID string           `json:"organizationId"`
	KeyID          string           `json:"keyId"`
	ConnectionType string           `json:"connectionType"`
	Source         string           `json:"source"`
	CreatedAt      time.Time        `json:"createdAt"`
	Metadata       envelope.Payload `json:"Metadata"`
	ResponseBody   envelope.Payload `json:"ResponseBody"`
}

type recordMetadata struct {
	To   string  `json:"to"`
	From *string `json:"from"`
}

type responseBody struct {
	Model string `json:"model"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Process decodes the archive behind key and inserts the priced rows.
// Returned errors are transient (the caller retries the notification);
// a missing object and per-record failures are terminal and absorbed here.
func (d *Decoder) Process(ctx context.Context, key string) (int, error) {
	log := d.log.With(zap.String("object_key", key))

	data, err := d.store.Get(ctx, key)
	if errors.Is(err, objectstore.ErrObjectNotFound) {
		// Deleted after a prior successful run; the rows already exist.
		log.Info("object missing, treating as already consumed")
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	reader, err := newDecompressor(key, bytes.NewReader(data))
	if err != nil {
		// A corrupt archive cannot improve with redelivery.
		log.Error("archive unreadable, skipping", zap.Error(err))
		return 0, nil
	}

	billing := obsmetrics.Billing()
	rows := make([]ledgerdomain.UsageLogRow, 0, 64)
	it := newLineIterator(reader, defaultChunkSize)
	for {
		line, ok, err := it.Next()
		if err != nil {
			// Truncated stream: keep what decoded cleanly, do not retry.
			log.Error("archive truncated mid-stream", zap.Error(err), zap.Int("rows_so_far", len(rows)))
			break
		}
		if !ok {
			break
		}

		row, result := d.decodeLine(ctx, line, log)
		billing.IncRecordDecoded(result)
		if row != nil {
			rows = append(rows, *row)
		}
	}

	if err := d.repo.InsertRows(ctx, rows); err != nil {
		// Safe to retry the whole notification: idempotency keys make the
		// re-insert conflict-ignore.
		return 0, err
	}

	log.Info("archive decoded", zap.Int("rows", len(rows)))
	return len(rows), nil
}

// decodeLine prices one raw line. A nil row means the line was skipped.
func (d *Decoder) decodeLine(ctx context.Context, line string, log *zap.Logger) (*ledgerdomain.UsageLogRow, string) {
	var record rawRecord
	if err := json.Unmarshal([]byte(line), &record); err != nil {
		log.Warn("malformed log line skipped", zap.Error(err))
		return nil, obsmetrics.DecodeResultSkippedMalformed
	}

	metadataBytes, err := d.decryptor.Decrypt(ctx, record.KeyID, record.Metadata)
	if err != nil {
		log.Warn("metadata decryption failed, record skipped",
			zap.String("organization_id", record.OrganizationID), zap.Error(err))
		return nil, obsmetrics.DecodeResultSkippedDecrypt
	}
	bodyBytes, err := d.decryptor.Decrypt(ctx, record.KeyID, record.ResponseBody)
	if err != nil {
		log.Warn("response body decryption failed, record skipped",
			zap.String("organization_id", record.OrganizationID), zap.Error(err))
		return nil, obsmetrics.DecodeResultSkippedDecrypt
	}

	var metadata recordMetadata
	if err := json.Unmarshal(metadataBytes, &metadata); err != nil {
		log.Warn("malformed metadata skipped", zap.Error(err))
		return nil, obsmetrics.DecodeResultSkippedMalformed
	}
	var body responseBody
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		log.Warn("malformed response body skipped", zap.Error(err))
		return nil, obsmetrics.DecodeResultSkippedMalformed
	}

	// Organizational connections are in-house traffic; direct connections
	// go out over paid customer-facing channels.
	internal := strings.EqualFold(record.ConnectionType, string(ledgerdomain.ConnectionOrganizational))
	cost := d.calc.Cost(body.Model, body.Usage.PromptTokens, body.Usage.CompletionTokens, internal, record.Source)

	// Keyed on the raw pre-decryption line so redelivery of the identical
	// source line always yields the identical key.
	digest := sha256.Sum256([]byte(line))

	now := d.clock.Now()
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	connectionType := ledgerdomain.ConnectionType(strings.ToLower(record.ConnectionType))
	if connectionType != ledgerdomain.ConnectionOrganizational {
		connectionType = ledgerdomain.ConnectionDirect
	}

	return &ledgerdomain.UsageLogRow{
		ID:             d.genID.Generate(),
		IdempotencyKey: hex.EncodeToString(digest[:]),
		OrganizationID: record.OrganizationID,
		InputTokens:    body.Usage.PromptTokens,
		OutputTokens:   body.Usage.CompletionTokens,
		Cost:           cost,
		Model:          body.Model,
		ConnectionType: connectionType,
		To:             metadata.To,
		From:           metadata.From,
		Status:         ledgerdomain.RowStatusPending,
		Metadata: datatypes.JSONMap{
			"source": record.Source,
			"keyId":  record.KeyID,
		},
		CreatedAt: createdAt,
		UpdatedAt: now,
	}, obsmetrics.DecodeResultPriced
}

// newDecompressor picks the stream decompressor from the archive suffix.
func newDecompressor(key string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(key, ".snappy"), strings.HasSuffix(key, ".sz"):
		return snappy.NewReader(r), nil
	default:
		return gzip.NewReader(r)
	}
}
