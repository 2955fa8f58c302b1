package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiso-project/kiso/pkg/models"
	"github.com/kiso-project/kiso/pkg/plan"
	"github.com/kiso-project/kiso/pkg/roles"
)

// Confidence given to facts promoted by the curator. Consolidation and decay
// adjust it from there.
const promotedConfidence = 0.7

// maintain runs the post-execution hooks. Every hook is best-effort: a
// failure is logged and the rest still run. They draw from the same
// per-message LLM budget as the plan itself.
func (s *Scheduler) maintain(ctx context.Context, session string, env *plan.Env, res *plan.Result) {
	log := slog.With("session", session)
	limits := s.Cfg().Limits

	if err := s.Store.TouchFacts(ctx, res.UsedFactIDs); err != nil {
		log.Warn("Failed to bump fact usage", "error", err)
	}
	s.curate(ctx, session, env, log)
	s.summarize(ctx, session, env, limits.SummarizeThreshold, log)
	s.consolidate(ctx, session, env, limits.KnowledgeMaxFacts, log)
	s.decay(ctx, limits.FactDecayDays, limits.FactDecayRate, limits.FactArchiveThreshold, log)
}

// curate evaluates the session's pending learnings: promote into facts, turn
// into open questions, or discard.
func (s *Scheduler) curate(ctx context.Context, session string, env *plan.Env, log *slog.Logger) {
	learnings, err := s.Store.PendingLearnings(ctx, session)
	if err != nil || len(learnings) == 0 {
		return
	}
	sess, err := s.Store.GetSession(ctx, session)
	if err != nil {
		return
	}
	facts, _ := s.Store.FactsForSession(ctx, session)
	pending, _ := s.Store.OpenPendingItems(ctx, session)

	result, err := env.Roles.Curate(ctx, env.Budget, roles.CuratorInput{
		Session:      session,
		Summary:      sess.Summary,
		Facts:        facts,
		PendingItems: pending,
		Learnings:    learnings,
	})
	if err != nil {
		log.Warn("Curator call failed", "error", err)
		return
	}

	known := map[int64]bool{}
	for _, l := range learnings {
		known[l.ID] = true
	}

	for _, ev := range result.Evaluations {
		if !known[ev.LearningID] {
			log.Warn("Curator referenced unknown learning", "learning_id", ev.LearningID)
			continue
		}
		reason := ""
		if ev.Reason != nil {
			reason = *ev.Reason
		}

		switch ev.Verdict {
		case roles.CuratorPromote:
			if ev.Fact == nil || *ev.Fact == "" {
				continue
			}
			if _, err := s.Store.InsertFact(ctx, &models.Fact{
				Content:    *ev.Fact,
				Category:   models.FactCategoryGeneral,
				Confidence: promotedConfidence,
				Session:    session,
			}); err != nil {
				log.Warn("Failed to promote learning", "learning_id", ev.LearningID, "error", err)
				continue
			}
			_ = s.Store.ResolveLearning(ctx, ev.LearningID, models.LearningStatusPromoted, reason)
		case roles.CuratorAsk:
			if ev.Question == nil || *ev.Question == "" {
				continue
			}
			if _, err := s.Store.InsertPendingItem(ctx, models.PendingScopeSession, session, *ev.Question); err != nil {
				log.Warn("Failed to record open question", "learning_id", ev.LearningID, "error", err)
				continue
			}
			_ = s.Store.ResolveLearning(ctx, ev.LearningID, models.LearningStatusAsked, reason)
		case roles.CuratorDiscard:
			_ = s.Store.ResolveLearning(ctx, ev.LearningID, models.LearningStatusDiscarded, reason)
		}
	}
}

// summarize folds messages beyond the watermark into the rolling session
// summary once enough have accumulated.
func (s *Scheduler) summarize(ctx context.Context, session string, env *plan.Env, threshold int, log *slog.Logger) {
	if threshold <= 0 {
		return
	}
	sess, err := s.Store.GetSession(ctx, session)
	if err != nil {
		return
	}
	n, err := s.Store.CountMessagesSince(ctx, session, sess.SummarizedTo)
	if err != nil || n < threshold {
		return
	}
	msgs, err := s.Store.MessagesSince(ctx, session, sess.SummarizedTo, n)
	if err != nil || len(msgs) == 0 {
		return
	}
	outputs, _ := s.Store.RecentMsgOutputs(ctx, session, 5)

	summary, err := env.Roles.Summarize(ctx, env.Budget, roles.SummarizeInput{
		Session:    session,
		OldSummary: sess.Summary,
		Messages:   msgs,
		MsgOutputs: outputs,
	})
	if err != nil {
		log.Warn("Summarizer call failed", "error", err)
		return
	}

	upTo := msgs[len(msgs)-1].ID
	if err := s.Store.UpdateSessionSummary(ctx, session, summary, upTo); err != nil {
		log.Warn("Failed to store summary", "error", err)
		return
	}
	log.Info("Session summary updated", "messages", len(msgs), "summarized_to", upTo)
}

// consolidate replaces the fact set with a merged list when it grows past
// the cap. A suspicious replacement list is rejected wholesale.
func (s *Scheduler) consolidate(ctx context.Context, session string, env *plan.Env, maxFacts int, log *slog.Logger) {
	if maxFacts <= 0 {
		return
	}
	n, err := s.Store.CountFacts(ctx)
	if err != nil || n < maxFacts {
		return
	}
	old, err := s.Store.AllFacts(ctx)
	if err != nil {
		return
	}

	list, err := env.Roles.ConsolidateFacts(ctx, env.Budget, session, old)
	if err != nil {
		log.Warn("Fact consolidation call failed", "error", err)
		return
	}
	if reject, why := rejectConsolidation(old, list); reject {
		log.Warn("Fact consolidation rejected", "reason", why,
			"old_count", len(old), "new_count", len(list))
		return
	}

	facts := make([]*models.Fact, 0, len(list))
	for _, c := range list {
		f := &models.Fact{Content: c.Content, Category: c.Category, Confidence: c.Confidence}
		// User facts stay scoped to the session that triggered consolidation.
		if c.Category == models.FactCategoryUser {
			f.Session = session
		}
		facts = append(facts, f)
	}
	if err := s.Store.ReplaceFacts(ctx, facts); err != nil {
		log.Warn("Failed to replace facts", "error", err)
		return
	}
	log.Info("Facts consolidated", "old_count", len(old), "new_count", len(facts))
}

// rejectConsolidation guards against a degenerate replacement list: far
// fewer entries than before, or mostly stub entries.
func rejectConsolidation(old []*models.Fact, list []roles.ConsolidatedFact) (bool, string) {
	if len(list)*10 < len(old)*3 {
		return true, "list shrank below 30% of the original"
	}
	short := 0
	for _, c := range list {
		if len(c.Content) < 10 {
			short++
		}
	}
	if short*2 > len(list) {
		return true, "list is dominated by sub-10-character entries"
	}
	return false, ""
}

// decay lowers confidence for stale facts and archives the ones that fell
// below the threshold.
func (s *Scheduler) decay(ctx context.Context, days int, rate, threshold float64, log *slog.Logger) {
	if days <= 0 || rate <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	decayed, archived, err := s.Store.DecayFacts(ctx, cutoff, rate, threshold)
	if err != nil {
		log.Warn("Fact decay failed", "error", err)
		return
	}
	if decayed > 0 || archived > 0 {
		log.Info("Facts decayed", "decayed", decayed, "archived", archived)
	}
}
