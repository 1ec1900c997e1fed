package syncclient

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/fieldkit/internal/queue"
)

// UploadBatch sends small items in a single all-or-nothing request. On
// success the server may piggyback task assignments on the response; they
// are returned for the caller to upsert.
func (c *Client) UploadBatch(ctx context.Context, items []queue.Item) ([]queue.Task, error) {
	body := uploadRequest{
		Items:     items,
		Timestamp: time.Now().UTC(),
		BatchSize: len(items),
	}

	var piggyback []wireTask
	err := c.doWithRetry(ctx, "/upload", func() error {
		var resp uploadResponse
		if err := c.postJSON(ctx, "/upload", body, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%w: %s", errRejected, respError(resp.Error, "batch refused"))
		}
		piggyback = resp.Tasks
		return nil
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]queue.Task, 0, len(piggyback))
	for _, w := range piggyback {
		tasks = append(tasks, w.toTask())
	}
	return tasks, nil
}

// UploadChunked streams one large item through the three-step protocol:
// start (metadata, chunk count), N strictly sequential chunk posts, then
// complete. The protocol has no resume: any failed step abandons the item
// for this cycle and the next cycle restarts from chunk zero.
//
// Each iteration re-slices the audio rather than copying it, so peak memory
// is the item itself plus one in-flight request body.
func (c *Client) UploadChunked(ctx context.Context, item queue.Item) error {
	if item.VoiceNote == nil {
		return fmt.Errorf("item %s has no chunkable payload", item.ID)
	}
	audio := item.VoiceNote.Audio
	totalChunks := (len(audio) + c.cfg.ChunkSize - 1) / c.cfg.ChunkSize
	if totalChunks == 0 {
		return fmt.Errorf("item %s has empty audio", item.ID)
	}

	start := chunkedStartRequest{
		ItemID:      item.ID,
		Type:        string(item.Kind),
		TotalChunks: totalChunks,
		Metadata: chunkedMetadata{
			CreatedAt:       item.CreatedAt,
			DurationSeconds: item.VoiceNote.DurationSeconds,
			Format:          item.VoiceNote.Format,
			Transcribed:     item.VoiceNote.Transcribed,
		},
	}
	var uploadID string
	err := c.doWithRetry(ctx, "/upload/chunked/start", func() error {
		var resp chunkedStartResponse
		if err := c.postJSON(ctx, "/upload/chunked/start", start, &resp); err != nil {
			return err
		}
		if !resp.Success || resp.UploadID == "" {
			return fmt.Errorf("%w: %s", errRejected, respError(resp.Error, "chunked start refused"))
		}
		uploadID = resp.UploadID
		return nil
	})
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	for index := 0; index < totalChunks; index++ {
		lo := index * c.cfg.ChunkSize
		hi := min(lo+c.cfg.ChunkSize, len(audio))
		chunk := chunkRequest{UploadID: uploadID, ChunkIndex: index, Data: audio[lo:hi]}

		err := c.doWithRetry(ctx, "/upload/chunked/chunk", func() error {
			var resp statusResponse
			if err := c.postJSON(ctx, "/upload/chunked/chunk", chunk, &resp); err != nil {
				return err
			}
			if !resp.Success {
				return fmt.Errorf("%w: %s", errRejected, respError(resp.Error, "chunk refused"))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("chunk %d/%d: %w", index+1, totalChunks, err)
		}
	}

	err = c.doWithRetry(ctx, "/upload/chunked/complete", func() error {
		var resp statusResponse
		if err := c.postJSON(ctx, "/upload/chunked/complete", chunkedCompleteRequest{UploadID: uploadID}, &resp); err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%w: %s", errRejected, respError(resp.Error, "assembly refused"))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}
