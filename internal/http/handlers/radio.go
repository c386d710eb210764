package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/castdio/castd/internal/broadcast"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/radio"
	"github.com/castdio/castd/pkg/playlist"
)

// RadioHandler exposes the radio engine over the API.
type RadioHandler struct {
	engine      *radio.Engine
	broadcaster *broadcast.Broadcaster
}

// NewRadioHandler creates a radio handler.
func NewRadioHandler(engine *radio.Engine, b *broadcast.Broadcaster) *RadioHandler {
	return &RadioHandler{engine: engine, broadcaster: b}
}

// Register registers the radio routes with the API.
func (h *RadioHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createRadioChannel",
		Method:        "POST",
		Path:          "/radio/channels",
		Summary:       "Create radio channel",
		Tags:          []string{"Radio"},
		DefaultStatus: 201,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listRadioChannels",
		Method:      "GET",
		Path:        "/radio/channels",
		Summary:     "List radio channels",
		Tags:        []string{"Radio"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getRadioChannel",
		Method:      "GET",
		Path:        "/radio/channels/{id}",
		Summary:     "Radio channel status",
		Tags:        []string{"Radio"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "updateRadioChannel",
		Method:      "PUT",
		Path:        "/radio/channels/{id}",
		Summary:     "Update radio channel",
		Description: "Encoding changes on a live channel take effect at the next track boundary",
		Tags:        []string{"Radio"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID: "deleteRadioChannel",
		Method:      "DELETE",
		Path:        "/radio/channels/{id}",
		Summary:     "Delete radio channel",
		Tags:        []string{"Radio"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "startRadioChannel",
		Method:      "POST",
		Path:        "/radio/channels/{id}/start",
		Summary:     "Start radio channel",
		Tags:        []string{"Radio"},
	}, h.Start)

	huma.Register(api, huma.Operation{
		OperationID: "stopRadioChannel",
		Method:      "POST",
		Path:        "/radio/channels/{id}/stop",
		Summary:     "Stop radio channel",
		Tags:        []string{"Radio"},
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID: "setRadioPlaylist",
		Method:      "PUT",
		Path:        "/radio/channels/{id}/playlist",
		Summary:     "Replace playlist",
		Description: "Accepts a JSON track list or an M3U body (optionally compressed). A live channel picks up the new playlist at the next track boundary.",
		Tags:        []string{"Radio"},
	}, h.SetPlaylist)

	huma.Register(api, huma.Operation{
		OperationID: "getRadioPlaylist",
		Method:      "GET",
		Path:        "/radio/channels/{id}/playlist",
		Summary:     "Export playlist as M3U",
		Tags:        []string{"Radio"},
	}, h.GetPlaylist)

	huma.Register(api, huma.Operation{
		OperationID: "getRadioNowPlaying",
		Method:      "GET",
		Path:        "/radio/channels/{id}/now-playing",
		Summary:     "Track currently on air",
		Tags:        []string{"Radio"},
	}, h.NowPlaying)

	huma.Register(api, huma.Operation{
		OperationID: "getRadioListeners",
		Method:      "GET",
		Path:        "/radio/channels/{id}/listeners",
		Summary:     "Listener statistics",
		Tags:        []string{"Radio"},
	}, h.Listeners)
}

// ChannelRequest is the writable subset of a channel definition shared by
// create and update.
type ChannelRequest struct {
	Name             string              `json:"name" minLength:"1" maxLength:"255"`
	TenantID         string              `json:"tenant_id,omitempty" maxLength:"255"`
	AudioCodec       string              `json:"audio_codec,omitempty" doc:"Encoder codec, e.g. mp3 or aac"`
	AudioBitrate     int                 `json:"audio_bitrate_kbps,omitempty" minimum:"0"`
	SampleRate       int                 `json:"sample_rate,omitempty" minimum:"0"`
	Channels         int                 `json:"channels,omitempty" minimum:"0" maximum:"8"`
	CrossfadeSeconds float64             `json:"crossfade_seconds,omitempty" minimum:"0"`
	LoudnessTarget   float64             `json:"loudness_target_lufs,omitempty"`
	AutoDJ           models.AutoDJConfig `json:"auto_dj,omitempty"`
	Playlist         []models.Track      `json:"playlist,omitempty"`
}

func (r ChannelRequest) model() *models.Channel {
	return &models.Channel{
		Kind:             models.ChannelKindRadio,
		Name:             r.Name,
		TenantID:         r.TenantID,
		AudioCodec:       r.AudioCodec,
		AudioBitrate:     r.AudioBitrate,
		SampleRate:       r.SampleRate,
		Channels:         r.Channels,
		CrossfadeSeconds: r.CrossfadeSeconds,
		LoudnessTarget:   r.LoudnessTarget,
		AutoDJ:           r.AutoDJ,
		Playlist:         r.Playlist,
	}
}

// CreateChannelInput is the request for creating a radio channel.
type CreateChannelInput struct {
	Body ChannelRequest
}

// ChannelOutput wraps a channel definition.
type ChannelOutput struct {
	Body *models.Channel
}

// StatusOutput wraps a channel status snapshot.
type StatusOutput struct {
	Body *radio.Status
}

// Create registers a new radio channel.
func (h *RadioHandler) Create(ctx context.Context, input *CreateChannelInput) (*ChannelOutput, error) {
	def, err := h.engine.Create(ctx, input.Body.model())
	if err != nil {
		return nil, Err(err)
	}
	return &ChannelOutput{Body: def}, nil
}

// ListChannelsInput filters the channel list.
type ListChannelsInput struct {
	Tenant string `query:"tenant" doc:"Filter by tenant id"`
}

// ListChannelsOutput is the channel status list.
type ListChannelsOutput struct {
	Body struct {
		Channels []*radio.Status `json:"channels"`
	}
}

// List returns a status snapshot per channel.
func (h *RadioHandler) List(ctx context.Context, input *ListChannelsInput) (*ListChannelsOutput, error) {
	resp := &ListChannelsOutput{}
	resp.Body.Channels = h.engine.List(input.Tenant)
	return resp, nil
}

// ChannelIDInput addresses one channel.
type ChannelIDInput struct {
	ID string `path:"id" doc:"Channel ID (ULID)"`
}

func parseChannelID(raw string) (models.ULID, error) {
	id, err := models.ParseULID(raw)
	if err != nil {
		return models.ULID{}, Err(models.Validationf("invalid channel id %q", raw))
	}
	return id, nil
}

// Get returns one channel's status snapshot.
func (h *RadioHandler) Get(ctx context.Context, input *ChannelIDInput) (*StatusOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	st, err := h.engine.Status(id)
	if err != nil {
		return nil, Err(err)
	}
	return &StatusOutput{Body: st}, nil
}

// UpdateChannelInput is the request for updating a radio channel.
type UpdateChannelInput struct {
	ID   string `path:"id" doc:"Channel ID (ULID)"`
	Body ChannelRequest
}

// Update replaces the channel definition.
func (h *RadioHandler) Update(ctx context.Context, input *UpdateChannelInput) (*ChannelOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	def, err := h.engine.Update(ctx, id, input.Body.model())
	if err != nil {
		return nil, Err(err)
	}
	return &ChannelOutput{Body: def}, nil
}

// DeletedOutput acknowledges a delete.
type DeletedOutput struct {
	Body struct {
		Deleted bool `json:"deleted"`
	}
}

// Delete removes a stopped channel. Deleting a live channel is a conflict.
func (h *RadioHandler) Delete(ctx context.Context, input *ChannelIDInput) (*DeletedOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.engine.Delete(ctx, id); err != nil {
		return nil, Err(err)
	}
	resp := &DeletedOutput{}
	resp.Body.Deleted = true
	return resp, nil
}

// StartOutput reports the mount a started channel broadcasts on.
type StartOutput struct {
	Body struct {
		Mount string `json:"mount"`
		Live  bool   `json:"live"`
	}
}

// Start brings the channel live. Starting a live channel is a no-op.
func (h *RadioHandler) Start(ctx context.Context, input *ChannelIDInput) (*StartOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	mount, err := h.engine.Start(ctx, id)
	if err != nil {
		return nil, Err(err)
	}
	resp := &StartOutput{}
	resp.Body.Mount = mount
	resp.Body.Live = true
	return resp, nil
}

// Stop takes the channel off air. Stopping a stopped channel is a no-op.
func (h *RadioHandler) Stop(ctx context.Context, input *ChannelIDInput) (*StatusOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.engine.Stop(ctx, id); err != nil {
		return nil, Err(err)
	}
	st, err := h.engine.Status(id)
	if err != nil {
		return nil, Err(err)
	}
	return &StatusOutput{Body: st}, nil
}

// SetPlaylistInput carries the raw playlist body; the format is sniffed.
type SetPlaylistInput struct {
	ID          string `path:"id" doc:"Channel ID (ULID)"`
	ContentType string `header:"Content-Type"`
	RawBody     []byte `contentType:"application/octet-stream"`
}

// PlaylistCountOutput acknowledges a playlist replacement.
type PlaylistCountOutput struct {
	Body struct {
		Tracks int `json:"tracks"`
	}
}

// SetPlaylist replaces the channel playlist from a JSON track list or an
// M3U document, transparently decompressing the latter.
func (h *RadioHandler) SetPlaylist(ctx context.Context, input *SetPlaylistInput) (*PlaylistCountOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}

	tracks, err := decodeTracks(input.ContentType, input.RawBody)
	if err != nil {
		return nil, Err(err)
	}
	if err := h.engine.SetPlaylist(ctx, id, tracks); err != nil {
		return nil, Err(err)
	}
	resp := &PlaylistCountOutput{}
	resp.Body.Tracks = len(tracks)
	return resp, nil
}

func decodeTracks(contentType string, body []byte) ([]models.Track, error) {
	trimmed := bytes.TrimSpace(body)
	isJSON := strings.Contains(contentType, "json") ||
		(len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{'))

	if isJSON {
		var tracks []models.Track
		if err := json.Unmarshal(trimmed, &tracks); err != nil {
			return nil, models.Validationf("invalid track list: %v", err)
		}
		return tracks, nil
	}

	parsed, err := playlist.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, models.Validationf("invalid playlist: %v", err)
	}
	tracks := make([]models.Track, 0, len(parsed))
	for _, t := range parsed {
		duration := t.Duration
		if duration < 0 {
			duration = 0
		}
		tracks = append(tracks, models.Track{
			Path:     t.Path,
			Title:    t.Title,
			Artist:   t.Artist,
			Duration: duration,
		})
	}
	return tracks, nil
}

// ExportOutput is an M3U playlist document.
type ExportOutput struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

// GetPlaylist exports the channel playlist as extended M3U.
func (h *RadioHandler) GetPlaylist(ctx context.Context, input *ChannelIDInput) (*ExportOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	tracks, err := h.engine.Playlist(id)
	if err != nil {
		return nil, Err(err)
	}

	out := make([]playlist.Track, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, playlist.Track{
			Path:     t.Path,
			Title:    t.Title,
			Artist:   t.Artist,
			Duration: t.Duration,
		})
	}
	var buf bytes.Buffer
	if err := playlist.Encode(&buf, out); err != nil {
		return nil, Err(models.Internalf("encoding playlist: %v", err))
	}
	return &ExportOutput{ContentType: "audio/x-mpegurl", Body: buf.Bytes()}, nil
}

// NowPlayingOutput wraps the on-air track.
type NowPlayingOutput struct {
	Body *radio.NowPlaying
}

// NowPlaying returns the track currently on air.
func (h *RadioHandler) NowPlaying(ctx context.Context, input *ChannelIDInput) (*NowPlayingOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	np, err := h.engine.NowPlaying(id)
	if err != nil {
		return nil, Err(err)
	}
	return &NowPlayingOutput{Body: np}, nil
}

// ListenersOutput reports listener statistics for one channel's mount.
type ListenersOutput struct {
	Body struct {
		Mount     string     `json:"mount"`
		Listeners int64      `json:"listeners"`
		BytesOut  uint64     `json:"bytes_out"`
		Pruned    uint64     `json:"pruned_listeners"`
		Since     *time.Time `json:"since,omitempty"`
	}
}

// Listeners returns the listener count plus mount-level byte counters.
func (h *RadioHandler) Listeners(ctx context.Context, input *ChannelIDInput) (*ListenersOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	st, err := h.engine.Status(id)
	if err != nil {
		return nil, Err(err)
	}

	resp := &ListenersOutput{}
	resp.Body.Mount = st.Mount
	resp.Body.Listeners = st.Listeners
	for _, ms := range h.broadcaster.Stats() {
		if ms.Name == st.Mount {
			resp.Body.BytesOut = ms.BytesOut
			resp.Body.Pruned = ms.Pruned
			since := ms.CreatedAt
			resp.Body.Since = &since
			break
		}
	}
	return resp, nil
}
