package obligation

import (
	"context"
	"errors"
	"strconv"
	"time"

	logx "keepsched/pkg/logx"
)

type outcomeKind int

const (
	outcomeFailed outcomeKind = iota
	outcomeRenewed
	outcomePastDue
	outcomeDeactivated
	outcomeSkipped
)

type subscriptionOutcome struct {
	kind outcomeKind
}

// processSubscription renews one due subscription. The charge (or the
// decision not to charge) always completes before the new state is saved.
func (r *Runner) processSubscription(ctx context.Context, cfg Config, now time.Time, s Subscription, log logx.Logger) subscriptionOutcome {
	log = log.With(logx.Int64("user", s.UserID), logx.String("plan", string(s.Plan)))

	if s.Plan != PlanMonthly && s.Plan != PlanYearly {
		log.Warn("subscription.unknown_plan")
		return r.deactivate(ctx, cfg, now, s, ReasonUnknownPlan, log)
	}
	price, ok := cfg.Prices[s.Plan]
	if !ok || price <= 0 {
		log.Error("subscription.no_price")
		return subscriptionOutcome{kind: outcomeSkipped}
	}
	if s.CustomerRef == "" {
		return r.deactivate(ctx, cfg, now, s, ReasonNoBillingAccount, log)
	}

	lctx, cancel := context.WithTimeout(ctx, cfg.LookupTimeout)
	pm, err := r.billing.DefaultPaymentMethod(lctx, s.CustomerRef)
	cancel()
	switch {
	case errors.Is(err, ErrNoBillingAccount):
		return r.deactivate(ctx, cfg, now, s, ReasonNoBillingAccount, log)
	case err != nil:
		// Transient: nothing changed, the subscription stays due for the next tick.
		log.Warn("subscription.lookup_failed", logx.Err(err))
		return subscriptionOutcome{kind: outcomeSkipped}
	case pm == "":
		return r.deactivate(ctx, cfg, now, s, ReasonNoPaymentMethod, log)
	}

	req := ChargeRequest{
		CustomerRef:    s.CustomerRef,
		PaymentMethod:  pm,
		Amount:         price,
		Currency:       cfg.Currency,
		IdempotencyKey: RenewalKey(s),
		Description:    "Keep " + string(s.Plan) + " subscription renewal",
		Metadata: map[string]string{
			"user_id": strconv.FormatInt(s.UserID, 10),
			"plan":    string(s.Plan),
			"expiry":  s.ExpiryDate.UTC().Format(time.RFC3339),
		},
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.ChargeTimeout)
	res, err := r.billing.Charge(cctx, req)
	cancel()

	if err == nil && res.Pending {
		log.Info("subscription.charge_pending", logx.String("charge", res.ID))
		return subscriptionOutcome{kind: outcomeSkipped}
	}

	prev := s
	next := s
	if err != nil || !res.Succeeded {
		reason := res.FailureReason
		if err != nil {
			reason = err.Error()
		}
		log.Warn("subscription.charge_failed", logx.String("reason", reason))
		next.Status = StatusPastDue
		if !r.saveSubscription(ctx, cfg, next, log) {
			return subscriptionOutcome{kind: outcomeFailed}
		}
		r.publish(EventSubscriptionPastDue, now, transition(ctx, prev, next, res.ID, reason))
		r.billingEmail(ctx, cfg, next, TemplateSubscriptionPastDue, log)
		return subscriptionOutcome{kind: outcomePastDue}
	}

	expiry, _ := NextExpiry(s.ExpiryDate, s.Plan)
	next.ExpiryDate = expiry
	next.Status = StatusActive
	if !r.saveSubscription(ctx, cfg, next, log) {
		return subscriptionOutcome{kind: outcomeFailed}
	}
	log.Debug("subscription.renewed", logx.String("charge", res.ID), logx.Time("expiry", expiry))
	r.publish(EventSubscriptionRenewed, now, transition(ctx, prev, next, res.ID, ""))
	r.billingEmail(ctx, cfg, next, TemplateSubscriptionRenewed, log)
	return subscriptionOutcome{kind: outcomeRenewed}
}

func (r *Runner) deactivate(ctx context.Context, cfg Config, now time.Time, s Subscription, reason string, log logx.Logger) subscriptionOutcome {
	log.Info("subscription.deactivated", logx.String("reason", reason))
	next := s
	next.Status = StatusInactive
	if !r.saveSubscription(ctx, cfg, next, log) {
		return subscriptionOutcome{kind: outcomeFailed}
	}
	r.publish(EventSubscriptionDeactivate, now, transition(ctx, s, next, "", reason))
	r.billingEmail(ctx, cfg, next, TemplateSubscriptionEnded, log)
	return subscriptionOutcome{kind: outcomeDeactivated}
}

func (r *Runner) saveSubscription(ctx context.Context, cfg Config, s Subscription, log logx.Logger) bool {
	sctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	err := r.subs.SaveSubscription(sctx, s)
	cancel()
	if err != nil {
		log.Warn("subscription.save_failed", logx.String("status", string(s.Status)), logx.Err(err))
		return false
	}
	return true
}

// billingEmail is best effort and runs after the state is saved.
func (r *Runner) billingEmail(ctx context.Context, cfg Config, s Subscription, tmpl TemplateKind, log logx.Logger) {
	if !cfg.BillingEmails || s.Email == "" {
		return
	}
	n := Notification{
		To:       Recipient{Email: s.Email, Name: s.Name},
		Template: tmpl,
		Params: map[string]string{
			"plan":   string(s.Plan),
			"status": string(s.Status),
			"expiry": s.ExpiryDate.Format("2006-01-02"),
		},
		DedupKey: string(tmpl) + ":" + RenewalKey(s),
	}
	nctx, cancel := context.WithTimeout(ctx, cfg.NotifyTimeout)
	err := r.notifier.Notify(nctx, n)
	cancel()
	if err != nil && !errors.Is(err, ErrAlreadyNotified) {
		log.Warn("subscription.email_failed", logx.String("template", string(tmpl)), logx.Err(err))
	}
}

func transition(ctx context.Context, prev, next Subscription, chargeID, reason string) SubscriptionEvent {
	return SubscriptionEvent{
		TickID:         TickIDFrom(ctx),
		UserID:         next.UserID,
		Plan:           next.Plan,
		From:           prev.Status,
		To:             next.Status,
		PreviousExpiry: prev.ExpiryDate,
		Expiry:         next.ExpiryDate,
		ChargeID:       chargeID,
		Reason:         reason,
	}
}
