package handlers

import (
	"context"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/castdio/castd/internal/broadcast"
	"github.com/castdio/castd/internal/models"
	"github.com/castdio/castd/internal/tv"
)

// TVHandler exposes the TV engine over the API, mirroring the radio
// surface with schedule semantics.
type TVHandler struct {
	engine      *tv.Engine
	broadcaster *broadcast.Broadcaster
}

// NewTVHandler creates a TV handler.
func NewTVHandler(engine *tv.Engine, b *broadcast.Broadcaster) *TVHandler {
	return &TVHandler{engine: engine, broadcaster: b}
}

// Register registers the TV routes with the API.
func (h *TVHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "createTVChannel",
		Method:        "POST",
		Path:          "/tv/channels",
		Summary:       "Create TV channel",
		Tags:          []string{"TV"},
		DefaultStatus: 201,
	}, h.Create)

	huma.Register(api, huma.Operation{
		OperationID: "listTVChannels",
		Method:      "GET",
		Path:        "/tv/channels",
		Summary:     "List TV channels",
		Tags:        []string{"TV"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getTVChannel",
		Method:      "GET",
		Path:        "/tv/channels/{id}",
		Summary:     "TV channel status",
		Tags:        []string{"TV"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "updateTVChannel",
		Method:      "PUT",
		Path:        "/tv/channels/{id}",
		Summary:     "Update TV channel",
		Description: "Encoding changes on a live channel take effect at the next item boundary",
		Tags:        []string{"TV"},
	}, h.Update)

	huma.Register(api, huma.Operation{
		OperationID: "deleteTVChannel",
		Method:      "DELETE",
		Path:        "/tv/channels/{id}",
		Summary:     "Delete TV channel",
		Tags:        []string{"TV"},
	}, h.Delete)

	huma.Register(api, huma.Operation{
		OperationID: "startTVChannel",
		Method:      "POST",
		Path:        "/tv/channels/{id}/start",
		Summary:     "Start TV channel",
		Tags:        []string{"TV"},
	}, h.Start)

	huma.Register(api, huma.Operation{
		OperationID: "stopTVChannel",
		Method:      "POST",
		Path:        "/tv/channels/{id}/stop",
		Summary:     "Stop TV channel",
		Tags:        []string{"TV"},
	}, h.Stop)

	huma.Register(api, huma.Operation{
		OperationID: "setTVSchedule",
		Method:      "PUT",
		Path:        "/tv/channels/{id}/schedule",
		Summary:     "Replace schedule",
		Description: "A live channel picks up the new schedule at the next item boundary",
		Tags:        []string{"TV"},
	}, h.SetSchedule)

	huma.Register(api, huma.Operation{
		OperationID: "getTVSchedule",
		Method:      "GET",
		Path:        "/tv/channels/{id}/schedule",
		Summary:     "Programmed schedule",
		Tags:        []string{"TV"},
	}, h.GetSchedule)

	huma.Register(api, huma.Operation{
		OperationID: "getTVNowShowing",
		Method:      "GET",
		Path:        "/tv/channels/{id}/now-showing",
		Summary:     "Item currently on air",
		Tags:        []string{"TV"},
	}, h.NowShowing)

	huma.Register(api, huma.Operation{
		OperationID: "getTVEPG",
		Method:      "GET",
		Path:        "/tv/channels/{id}/epg",
		Summary:     "Programme guide window",
		Tags:        []string{"TV"},
	}, h.EPG)

	huma.Register(api, huma.Operation{
		OperationID: "getTVViewers",
		Method:      "GET",
		Path:        "/tv/channels/{id}/viewers",
		Summary:     "Viewer statistics",
		Tags:        []string{"TV"},
	}, h.Viewers)
}

// TVChannelRequest is the writable subset of a TV channel definition.
type TVChannelRequest struct {
	Name            string           `json:"name" minLength:"1" maxLength:"255"`
	TenantID        string           `json:"tenant_id,omitempty" maxLength:"255"`
	VideoCodec      string           `json:"video_codec,omitempty" doc:"Encoder codec, e.g. h264"`
	AudioCodec      string           `json:"audio_codec,omitempty"`
	AudioBitrate    int              `json:"audio_bitrate_kbps,omitempty" minimum:"0"`
	FPS             int              `json:"fps,omitempty" minimum:"0" maximum:"120"`
	Variants        []models.Variant `json:"variants,omitempty"`
	Schedule        []models.Program `json:"schedule,omitempty"`
	CommercialPool  []string         `json:"commercial_pool,omitempty"`
	BreakCadenceMin int              `json:"break_cadence_minutes,omitempty" minimum:"0"`
	BreakTargetSec  int              `json:"break_target_seconds,omitempty" minimum:"0"`
	Bumpers         []string         `json:"bumpers,omitempty"`
	SegmentSeconds  int              `json:"segment_seconds,omitempty" minimum:"0" maximum:"30"`
}

func (r TVChannelRequest) model() *models.Channel {
	return &models.Channel{
		Kind:            models.ChannelKindTV,
		Name:            r.Name,
		TenantID:        r.TenantID,
		VideoCodec:      r.VideoCodec,
		AudioCodec:      r.AudioCodec,
		AudioBitrate:    r.AudioBitrate,
		FPS:             r.FPS,
		Variants:        r.Variants,
		Schedule:        r.Schedule,
		CommercialPool:  r.CommercialPool,
		BreakCadenceMin: r.BreakCadenceMin,
		BreakTargetSec:  r.BreakTargetSec,
		Bumpers:         r.Bumpers,
		SegmentSeconds:  r.SegmentSeconds,
	}
}

// CreateTVChannelInput is the request for creating a TV channel.
type CreateTVChannelInput struct {
	Body TVChannelRequest
}

// TVStatusOutput wraps a TV channel status snapshot.
type TVStatusOutput struct {
	Body *tv.Status
}

// Create registers a new TV channel.
func (h *TVHandler) Create(ctx context.Context, input *CreateTVChannelInput) (*ChannelOutput, error) {
	def, err := h.engine.Create(ctx, input.Body.model())
	if err != nil {
		return nil, Err(err)
	}
	return &ChannelOutput{Body: def}, nil
}

// ListTVChannelsOutput is the channel status list.
type ListTVChannelsOutput struct {
	Body struct {
		Channels []*tv.Status `json:"channels"`
	}
}

// List returns a status snapshot per channel.
func (h *TVHandler) List(ctx context.Context, input *ListChannelsInput) (*ListTVChannelsOutput, error) {
	resp := &ListTVChannelsOutput{}
	resp.Body.Channels = h.engine.List(input.Tenant)
	return resp, nil
}

// Get returns one channel's status snapshot.
func (h *TVHandler) Get(ctx context.Context, input *ChannelIDInput) (*TVStatusOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	st, err := h.engine.Status(id)
	if err != nil {
		return nil, Err(err)
	}
	return &TVStatusOutput{Body: st}, nil
}

// UpdateTVChannelInput is the request for updating a TV channel.
type UpdateTVChannelInput struct {
	ID   string `path:"id" doc:"Channel ID (ULID)"`
	Body TVChannelRequest
}

// Update replaces the channel definition.
func (h *TVHandler) Update(ctx context.Context, input *UpdateTVChannelInput) (*ChannelOutput, error) {
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

// Delete removes a stopped channel. Deleting a live channel is a conflict.
func (h *TVHandler) Delete(ctx context.Context, input *ChannelIDInput) (*DeletedOutput, error) {
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

// Start brings the channel live. Starting a live channel is a no-op.
func (h *TVHandler) Start(ctx context.Context, input *ChannelIDInput) (*StartOutput, error) {
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
func (h *TVHandler) Stop(ctx context.Context, input *ChannelIDInput) (*TVStatusOutput, error) {
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
	return &TVStatusOutput{Body: st}, nil
}

// SetScheduleInput carries the replacement programme list.
type SetScheduleInput struct {
	ID   string `path:"id" doc:"Channel ID (ULID)"`
	Body struct {
		Schedule []models.Program `json:"schedule"`
	}
}

// ScheduleOutput wraps the programmed schedule.
type ScheduleOutput struct {
	Body struct {
		Schedule []models.Program `json:"schedule"`
	}
}

// SetSchedule replaces the channel schedule.
func (h *TVHandler) SetSchedule(ctx context.Context, input *SetScheduleInput) (*ScheduleOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	if err := h.engine.SetSchedule(ctx, id, input.Body.Schedule); err != nil {
		return nil, Err(err)
	}
	programs, err := h.engine.Schedule(id)
	if err != nil {
		return nil, Err(err)
	}
	resp := &ScheduleOutput{}
	resp.Body.Schedule = programs
	return resp, nil
}

// GetSchedule returns the programmed schedule in start order.
func (h *TVHandler) GetSchedule(ctx context.Context, input *ChannelIDInput) (*ScheduleOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	programs, err := h.engine.Schedule(id)
	if err != nil {
		return nil, Err(err)
	}
	resp := &ScheduleOutput{}
	resp.Body.Schedule = programs
	return resp, nil
}

// NowShowingOutput wraps the on-air item.
type NowShowingOutput struct {
	Body *tv.NowShowing
}

// NowShowing returns the schedule item currently on air.
func (h *TVHandler) NowShowing(ctx context.Context, input *ChannelIDInput) (*NowShowingOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	ns, err := h.engine.NowShowing(id)
	if err != nil {
		return nil, Err(err)
	}
	return &NowShowingOutput{Body: ns}, nil
}

// EPGInput selects the guide window.
type EPGInput struct {
	ID    string `path:"id" doc:"Channel ID (ULID)"`
	Hours int    `query:"hours" default:"24" minimum:"1" maximum:"168" doc:"Guide window from now"`
}

// EPGOutput is the guide window for one channel.
type EPGOutput struct {
	Body struct {
		Entries []tv.EPGEntry `json:"entries"`
	}
}

// EPG projects the schedule onto a guide window starting now.
func (h *TVHandler) EPG(ctx context.Context, input *EPGInput) (*EPGOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	entries, err := h.engine.EPG(id, time.Duration(input.Hours)*time.Hour)
	if err != nil {
		return nil, Err(err)
	}
	resp := &EPGOutput{}
	resp.Body.Entries = entries
	return resp, nil
}

// ViewersOutput reports viewer statistics for one channel's mount.
type ViewersOutput struct {
	Body struct {
		Mount    string     `json:"mount"`
		Viewers  int64      `json:"viewers"`
		BytesOut uint64     `json:"bytes_out"`
		Pruned   uint64     `json:"pruned_listeners"`
		Since    *time.Time `json:"since,omitempty"`
	}
}

// Viewers returns the viewer count plus mount-level byte counters.
func (h *TVHandler) Viewers(ctx context.Context, input *ChannelIDInput) (*ViewersOutput, error) {
	id, err := parseChannelID(input.ID)
	if err != nil {
		return nil, err
	}
	st, err := h.engine.Status(id)
	if err != nil {
		return nil, Err(err)
	}

	resp := &ViewersOutput{}
	resp.Body.Mount = st.Mount
	resp.Body.Viewers = st.Viewers
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
