// internal/service/campaign_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cartrecovery-backend/internal/channel"
	"github.com/unclebandit/cartrecovery-backend/internal/cooldown"
	appErrors "github.com/unclebandit/cartrecovery-backend/internal/errors"
	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/model"
	"github.com/unclebandit/cartrecovery-backend/internal/plan"
	"github.com/unclebandit/cartrecovery-backend/internal/repository"
	"github.com/unclebandit/cartrecovery-backend/internal/schedule"
	"github.com/unclebandit/cartrecovery-backend/internal/storedata"
)

// Sender delivers one rendered message. *channel.Dispatcher implements it.
type Sender interface {
	Dispatch(ctx context.Context, ch model.Channel, to string, msg channel.Rendered) channel.Result
}

// CampaignService is the campaign lifecycle manager: it owns campaign state and runs
// firings against the ledger and the dispatcher.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	DispatchRepo repository.DispatchRepositoryInterface
	CartRepo     repository.CartRepositoryInterface
	Carts        storedata.Provider
	Ledger       cooldown.Ledger
	Sender       Sender
	// Plans gates channels per store. nil allows every channel.
	Plans    plan.Provider
	Notifier Notifier

	// Concurrency caps recipients dispatched at once within one firing.
	Concurrency int
	Automation  AutomationConfig
	Now         func() time.Time

	locksMu sync.Mutex
	locks   map[string]*firingLock
	wg      sync.WaitGroup
}

// AutomationConfig drives campaigns created from abandoned-cart signals.
type AutomationConfig struct {
	Enabled    bool
	DelayHours int
	Channels   []model.Channel
	Subject    string
	Body       string
}

type firingLock struct {
	mu      sync.Mutex
	sendNow atomic.Bool
}

// CampaignDetails is a campaign plus dispatch counts for its current cycle.
type CampaignDetails struct {
	*model.Campaign
	Stats map[string]int `json:"stats"`
}

// ActionResult reports the campaign after a lifecycle action. Changed is false when the
// action was not valid in the campaign's state and nothing happened.
type ActionResult struct {
	Campaign *model.Campaign `json:"campaign"`
	Changed  bool            `json:"changed"`
}

type CreateCampaignInput struct {
	StoreID   string                                 `json:"store_id" validate:"required"`
	CreatedBy string                                 `json:"created_by"`
	Name      string                                 `json:"name" validate:"required,max=200"`
	Audience  model.TargetAudience                   `json:"target_audience"`
	Channels  []model.Channel                        `json:"channels" validate:"required,min=1,dive,oneof=email sms whatsapp"`
	Content   map[model.Channel]model.ChannelContent `json:"content" validate:"required"`
	Schedule  model.Schedule                         `json:"schedule"`
}

// UpdateCampaignInput is a partial update; nil fields are left unchanged.
type UpdateCampaignInput struct {
	Name     *string                                `json:"name,omitempty"`
	Audience *model.TargetAudience                  `json:"target_audience,omitempty"`
	Channels []model.Channel                        `json:"channels,omitempty"`
	Content  map[model.Channel]model.ChannelContent `json:"content,omitempty"`
	Schedule *model.Schedule                        `json:"schedule,omitempty"`
}

var validate = validator.New()

func (s *CampaignService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *CampaignService) log() *logrus.Entry {
	return logger.WithModule("campaigns")
}

func (s *CampaignService) lockFor(id string) *firingLock {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if s.locks == nil {
		s.locks = make(map[string]*firingLock)
	}
	lk, ok := s.locks[id]
	if !ok {
		lk = &firingLock{}
		s.locks[id] = lk
	}
	return lk
}

func (s *CampaignService) dropLock(id string) {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	delete(s.locks, id)
}

func (s *CampaignService) planFor(ctx context.Context, storeID string) (plan.Plan, error) {
	if s.Plans == nil {
		return plan.Pro, nil
	}
	return s.Plans.PlanFor(ctx, storeID)
}

func (s *CampaignService) notify(ctx context.Context, scope, kind string, payload any) {
	if s.Notifier == nil {
		return
	}
	if _, err := s.Notifier.Notify(ctx, scope, kind, payload); err != nil {
		s.log().WithError(err).WithField("kind", kind).Warn("notification failed")
	}
}

// validateSpec checks a campaign definition before it is stored.
func (s *CampaignService) validateSpec(ctx context.Context, c *model.Campaign) error {
	if strings.TrimSpace(c.Name) == "" {
		return appErrors.NewValidation("name", "is required")
	}
	if err := validate.Struct(c.Audience); err != nil {
		return fieldError("target_audience", err)
	}
	if err := validate.Struct(c.Schedule); err != nil {
		return fieldError("schedule", err)
	}

	a := c.Audience
	switch a.Mode {
	case model.AudienceSpecificCustomers:
		if len(a.CustomerIDs) == 0 {
			return appErrors.NewValidation("target_audience.customer_ids", "at least one customer is required")
		}
	case model.AudienceAbandonedCarts:
		_, total, err := s.Carts.AbandonedCarts(ctx, c.StoreID, model.CartFilter{Limit: 1})
		if err != nil {
			return fmt.Errorf("count abandoned carts: %w", err)
		}
		if total == 0 {
			return appErrors.NewValidation("target_audience", "store has no abandoned carts")
		}
	case model.AudienceFiltered:
		if a.MinCartValue != nil && a.MaxCartValue != nil && *a.MinCartValue > *a.MaxCartValue {
			return appErrors.NewValidation("target_audience.min_cart_value", "exceeds max_cart_value")
		}
		if a.MinAgeHours != nil && a.MaxAgeHours != nil && *a.MinAgeHours > *a.MaxAgeHours {
			return appErrors.NewValidation("target_audience.min_age_hours", "exceeds max_age_hours")
		}
	}

	if len(c.Channels) == 0 {
		return appErrors.NewValidation("channels", "at least one channel is required")
	}
	seen := make(map[model.Channel]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if !ch.Valid() {
			return appErrors.NewValidation("channels", fmt.Sprintf("unknown channel %q", ch))
		}
		if seen[ch] {
			return appErrors.NewValidation("channels", fmt.Sprintf("duplicate channel %q", ch))
		}
		seen[ch] = true

		content, ok := c.Content[ch]
		if !ok || strings.TrimSpace(content.Body) == "" {
			return appErrors.NewValidation("content."+string(ch)+".body", "is required")
		}
		if ch == model.ChannelEmail && strings.TrimSpace(content.Subject) == "" {
			return appErrors.NewValidation("content.email.subject", "is required")
		}
	}

	pl, err := s.planFor(ctx, c.StoreID)
	if err != nil {
		return err
	}
	return pl.Check(c.Channels...)
}

func fieldError(prefix string, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return appErrors.NewValidation(prefix+"."+strings.ToLower(fe.Field()), "failed "+fe.Tag())
	}
	return appErrors.NewValidation(prefix, err.Error())
}

// CreateCampaign validates in and stores a new campaign in scheduled state.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*model.Campaign, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fieldError("campaign", err)
	}
	now := s.now()
	c := &model.Campaign{
		ID:        uuid.NewString(),
		StoreID:   in.StoreID,
		CreatedBy: in.CreatedBy,
		Name:      strings.TrimSpace(in.Name),
		Audience:  in.Audience,
		Channels:  in.Channels,
		Content:   in.Content,
		Schedule:  in.Schedule,
		Status:    model.StatusScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.Schedule.Recurrence == "" {
		c.Schedule.Recurrence = model.RecurrenceOnce
	}
	if err := s.validateSpec(ctx, c); err != nil {
		return nil, err
	}
	fireAt, err := schedule.Resolve(c.Schedule, now)
	if err != nil {
		return nil, err
	}
	c.NextFireAt = &fireAt

	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	s.log().WithFields(logrus.Fields{
		"campaign_id": c.ID,
		"store_id":    c.StoreID,
		"fire_at":     fireAt,
	}).Info("campaign created")
	s.notify(ctx, c.StoreID, "campaign_created", map[string]any{"campaign_id": c.ID, "name": c.Name, "fire_at": fireAt})
	return c, nil
}

// UpdateCampaign applies a partial update. Terminal campaigns are rejected with a
// ConflictError.
func (s *CampaignService) UpdateCampaign(ctx context.Context, id string, in UpdateCampaignInput) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status.IsTerminal() {
		return nil, appErrors.NewConflict(id, string(c.Status), "update")
	}

	scheduleChanged := false
	if in.Name != nil {
		c.Name = strings.TrimSpace(*in.Name)
	}
	if in.Audience != nil {
		c.Audience = *in.Audience
	}
	if in.Channels != nil {
		c.Channels = in.Channels
	}
	if in.Content != nil {
		c.Content = in.Content
	}
	if in.Schedule != nil {
		c.Schedule = *in.Schedule
		if c.Schedule.Recurrence == "" {
			c.Schedule.Recurrence = model.RecurrenceOnce
		}
		scheduleChanged = true
	}
	if err := s.validateSpec(ctx, c); err != nil {
		return nil, err
	}

	now := s.now()
	if scheduleChanged && c.Status == model.StatusScheduled {
		fireAt, err := schedule.Resolve(c.Schedule, now)
		if err != nil {
			return nil, err
		}
		c.NextFireAt = &fireAt
	}
	c.UpdatedAt = now
	if err := s.CampaignRepo.Update(ctx, c); err != nil {
		return nil, err
	}
	return s.CampaignRepo.GetByID(ctx, id)
}

// DeleteCampaign removes the campaign and its dispatches. A running firing notices on its
// next recipient and stops. Deleting an unknown id is a no-op.
func (s *CampaignService) DeleteCampaign(ctx context.Context, id string) error {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if appErrors.IsNotFound(err) {
		return s.DispatchRepo.DeleteByCampaign(ctx, id)
	}
	if err != nil {
		return err
	}
	if err := s.CampaignRepo.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.DispatchRepo.DeleteByCampaign(ctx, id); err != nil {
		return err
	}
	s.lockFor(id).sendNow.Store(false)
	s.dropLock(id)
	s.log().WithField("campaign_id", id).Info("campaign deleted")
	s.notify(ctx, c.StoreID, "campaign_deleted", map[string]any{"campaign_id": id, "name": c.Name})
	return nil
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, storeID string, page, pageSize int, channel, status string) ([]model.Campaign, map[string]int, error) {
	page, pageSize = normalizePage(page, pageSize)
	ptrs, total, err := s.CampaignRepo.ListCampaigns(ctx, repository.CampaignFilter{
		StoreID: storeID,
		Status:  status,
		Channel: channel,
		Offset:  (page - 1) * pageSize,
		Limit:   pageSize,
	})
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}
	return campaigns, pagination(page, pageSize, total), nil
}

// GetCampaignDetails returns the campaign with dispatch counts for its current cycle.
func (s *CampaignService) GetCampaignDetails(ctx context.Context, id string) (*CampaignDetails, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.DispatchRepo.Stats(ctx, id, c.Cycle)
	if err != nil {
		return nil, err
	}
	return &CampaignDetails{Campaign: c, Stats: stats}, nil
}

// ListDispatches pages through every dispatch of a campaign, newest cycle first.
func (s *CampaignService) ListDispatches(ctx context.Context, id string, page, pageSize int) ([]*model.RecipientDispatch, map[string]int, error) {
	if _, err := s.CampaignRepo.GetByID(ctx, id); err != nil {
		return nil, nil, err
	}
	page, pageSize = normalizePage(page, pageSize)
	items, total, err := s.DispatchRepo.ListPage(ctx, id, (page-1)*pageSize, pageSize)
	if err != nil {
		return nil, nil, err
	}
	return items, pagination(page, pageSize, total), nil
}

// applyAction moves the campaign along the state machine. An action that is not valid in
// the current state leaves the campaign untouched.
func (s *CampaignService) applyAction(ctx context.Context, id string, action model.Action) (*ActionResult, model.CampaignStatus, error) {
	for attempt := 0; attempt < 3; attempt++ {
		c, err := s.CampaignRepo.GetByID(ctx, id)
		if err != nil {
			return nil, "", err
		}
		from := c.Status
		to, ok := model.Transition(from, action)
		if !ok {
			return &ActionResult{Campaign: c}, from, nil
		}
		changed, err := s.CampaignRepo.UpdateStatus(ctx, id, from, to)
		if err != nil {
			return nil, "", err
		}
		if changed {
			c.Status = to
			s.log().WithFields(logrus.Fields{"campaign_id": id, "from": from, "to": to}).Info("campaign status changed")
			s.notify(ctx, c.StoreID, "campaign_status_changed", map[string]any{"campaign_id": id, "from": from, "to": to})
			return &ActionResult{Campaign: c, Changed: true}, from, nil
		}
	}
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return &ActionResult{Campaign: c}, c.Status, nil
}

// Pause freezes dispatching. Sends already handed to a provider finish.
func (s *CampaignService) Pause(ctx context.Context, id string) (*ActionResult, error) {
	res, _, err := s.applyAction(ctx, id, model.ActionPause)
	return res, err
}

// Resume (play) activates a paused or scheduled campaign. Playing a scheduled campaign
// brings its fire time forward to now.
func (s *CampaignService) Resume(ctx context.Context, id string) (*ActionResult, error) {
	res, from, err := s.applyAction(ctx, id, model.ActionResume)
	if err != nil || !res.Changed {
		return res, err
	}
	c := res.Campaign
	now := s.now()
	if from == model.StatusScheduled && (c.NextFireAt == nil || c.NextFireAt.After(now)) {
		c.NextFireAt = &now
		c.UpdatedAt = now
		if err := s.CampaignRepo.Update(ctx, c); err != nil && !isConflict(err) {
			return nil, err
		}
	}
	if c.Due(now) {
		s.goFire(ctx, id)
	}
	return res, nil
}

// Cancel ends the campaign. In-flight sends complete; no further recipients are processed.
func (s *CampaignService) Cancel(ctx context.Context, id string) (*ActionResult, error) {
	res, _, err := s.applyAction(ctx, id, model.ActionCancel)
	if err == nil && res.Changed {
		s.lockFor(id).sendNow.Store(false)
	}
	return res, err
}

// SendNow dispatches to every eligible recipient regardless of the fire time. The firing
// runs in the background; the campaign moves to sent once every recipient was attempted.
func (s *CampaignService) SendNow(ctx context.Context, id string) (*ActionResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := model.Transition(c.Status, model.ActionSendNow); !ok {
		return &ActionResult{Campaign: c}, nil
	}

	lk := s.lockFor(id)
	lk.sendNow.Store(true)
	if c.Status != model.StatusActive {
		changed, err := s.CampaignRepo.UpdateStatus(ctx, id, c.Status, model.StatusActive)
		if err != nil {
			lk.sendNow.Store(false)
			return nil, err
		}
		if !changed {
			lk.sendNow.Store(false)
			current, err := s.CampaignRepo.GetByID(ctx, id)
			if err != nil {
				return nil, err
			}
			return &ActionResult{Campaign: current}, nil
		}
		c.Status = model.StatusActive
	}
	s.log().WithField("campaign_id", id).Info("send now requested")
	s.goFire(ctx, id)
	return &ActionResult{Campaign: c, Changed: true}, nil
}

// RenderPreview renders the campaign's content for ch against one customer's cart. A
// non-empty override replaces the stored body.
func (s *CampaignService) RenderPreview(ctx context.Context, campaignID, customerID string, ch model.Channel, overrideTemplate *string) (channel.Rendered, error) {
	c, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return channel.Rendered{}, err
	}
	if ch == "" && len(c.Channels) > 0 {
		ch = c.Channels[0]
	}
	content, ok := c.Content[ch]
	if !ok {
		return channel.Rendered{}, appErrors.NewValidation("channel", fmt.Sprintf("campaign has no %s content", ch))
	}
	if overrideTemplate != nil && strings.TrimSpace(*overrideTemplate) != "" {
		content.Body = *overrideTemplate
	}
	if strings.TrimSpace(content.Body) == "" {
		return channel.Rendered{}, appErrors.NewValidation("template", "cannot be empty")
	}

	carts, _, err := s.Carts.AbandonedCarts(ctx, c.StoreID, model.CartFilter{CustomerIDs: []string{customerID}, Limit: 1})
	if err != nil {
		return channel.Rendered{}, err
	}
	if len(carts) == 0 {
		return channel.Rendered{}, appErrors.NewValidation("customer_id", "customer has no abandoned cart in this store")
	}
	vars := carts[0].TemplateVars()
	return channel.Rendered{
		Subject: RenderTemplate(content.Subject, vars),
		Body:    RenderTemplate(content.Body, vars),
	}, nil
}

// Wait blocks until background firings started by SendNow and Resume have finished.
func (s *CampaignService) Wait() {
	s.wg.Wait()
}

func (s *CampaignService) goFire(ctx context.Context, id string) {
	ctx = context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		lk := s.lockFor(id)
		lk.mu.Lock()
		defer lk.mu.Unlock()
		if _, err := s.fire(ctx, id, lk); err != nil {
			s.log().WithError(err).WithField("campaign_id", id).Warn("firing failed, will retry on next sweep")
		}
	}()
}

func isConflict(err error) bool {
	var ce *appErrors.ConflictError
	return errors.As(err, &ce)
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}

func pagination(page, pageSize, total int) map[string]int {
	return map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": (total + pageSize - 1) / pageSize,
	}
}
