package ble

import (
	"encoding/json"
	"time"
)

// attributePayload is the largest data fragment carried per notification,
// leaving headroom in the attribute for the envelope fields.
const attributePayload = 180

// interChunkDelay paces envelope notifications so the link's flow control is
// not overrun.
const interChunkDelay = 20 * time.Millisecond

type chunkEnvelope struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Total int    `json:"total"`
	Data  string `json:"data"`
}

type chunkComplete struct {
	Type  string `json:"type"`
	Total int    `json:"total"`
}

// sendChunked splits payload into indexed envelopes followed by a terminal
// complete message carrying the total.
func sendChunked(send func([]byte) error, payload string) error {
	total := (len(payload) + attributePayload - 1) / attributePayload
	if total == 0 {
		total = 1
	}

	for i := 0; i < total; i++ {
		start := i * attributePayload
		end := start + attributePayload
		if end > len(payload) {
			end = len(payload)
		}

		data, err := json.Marshal(chunkEnvelope{
			Type:  "chunk",
			Index: i,
			Total: total,
			Data:  payload[start:end],
		})
		if err != nil {
			return err
		}
		if err := send(data); err != nil {
			return err
		}
		time.Sleep(interChunkDelay)
	}

	data, err := json.Marshal(chunkComplete{
		Type:  "chunk_complete",
		Total: total,
	})
	if err != nil {
		return err
	}
	return send(data)
}
