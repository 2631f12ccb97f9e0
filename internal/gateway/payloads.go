/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package gateway

import (
	"github.com/friendsincode/harmony/internal/events"
	"github.com/friendsincode/harmony/internal/models"
	"github.com/friendsincode/harmony/internal/queue"
	"github.com/friendsincode/harmony/internal/session"
)

func queuePayload(st queue.State) events.Payload {
	items := st.Items
	if items == nil {
		items = models.QueueItemList{}
	}
	return events.Payload{
		"items":        items,
		"currentIndex": st.CurrentIndex,
		"version":      st.Version,
	}
}

func playbackPayload(st session.PlaybackState) events.Payload {
	return events.Payload{
		"isPlaying":       st.IsPlaying,
		"startAtServerMs": st.StartAtServerMs,
		"startOffsetSec":  st.StartOffsetSec,
		"queueIndex":      st.QueueIndex,
		"updatedBy":       st.UpdatedBy,
	}
}

func requestPayloads(reqs []models.PlaybackRequest) []events.Payload {
	out := make([]events.Payload, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, events.Payload{
			"requestId":   req.ID,
			"trackRef":    req.TrackRef,
			"trackUrl":    req.TrackURL,
			"title":       req.Title,
			"artist":      req.Artist,
			"durationSec": req.DurationSec,
			"requestedBy": req.RequestedBy,
			"createdAtMs": req.CreatedAt.UnixMilli(),
		})
	}
	return out
}
