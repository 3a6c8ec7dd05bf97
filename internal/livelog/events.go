package livelog

import (
	"context"
	"fmt"

	"github.com/ts-factory/bublik-sub000/internal/domain"
)

// Feed processes a batch of events in order. It stops at the first
// failing event; events before it stay applied.
func (s *Session) Feed(ctx context.Context, events []domain.Event) error {
	if err := s.Deserialize(ctx); err != nil {
		return err
	}
	for i := range events {
		ev := &events[i]
		if err := s.handle(ctx, ev); err != nil {
			return err
		}
		s.env.Observer.EventProcessed(string(ev.Type))
	}
	return nil
}

func (s *Session) handle(ctx context.Context, ev *domain.Event) error {
	switch ev.Type {
	case "":
		return invalidInput("event does not have a type")
	case domain.EventTypeTestStart:
		return s.handleTestStart(ctx, ev)
	case domain.EventTypeTestEnd:
		return s.handleTestEnd(ctx, ev)
	case domain.EventTypeArtifact:
		return s.handleArtifact(ctx, ev)
	}
	return invalidInput("unknown event type %q", ev.Type)
}

func checkEventData(ev *domain.Event) error {
	var missing []string
	require := func(name string, present bool) {
		if !present {
			missing = append(missing, name)
		}
	}

	switch ev.Type {
	case domain.EventTypeTestStart:
		require("id", ev.ID != nil)
		require("parent", ev.Parent != nil)
		require("plan_id", ev.PlanID != nil)
		require("ts", ev.Ts != nil)
		require("node_type", ev.NodeType != nil)
		require("name", ev.Name != nil)
	case domain.EventTypeTestEnd:
		require("id", ev.ID != nil)
		require("plan_id", ev.PlanID != nil)
		require("ts", ev.Ts != nil)
	}
	if len(missing) > 0 {
		return InvalidInput(fmt.Sprintf("%s event is missing items", ev.Type), map[string]any{"items": missing})
	}

	if *ev.PlanID == -1 {
		return &Error{Kind: KindNotImplemented, Message: "processing events without plan IDs has not been implemented"}
	}
	return nil
}

func arguments(params [][]string) ([]domain.Argument, error) {
	var args []domain.Argument
	index := make(map[string]int, len(params))
	for _, p := range params {
		if len(p) != 2 {
			return nil, invalidInput("test parameters must be name/value pairs, got %v", p)
		}
		if i, ok := index[p[0]]; ok {
			args[i].Value = p[1]
			continue
		}
		index[p[0]] = len(args)
		args = append(args, domain.Argument{Name: p[0], Value: p[1]})
	}
	return args, nil
}

func (s *Session) handleTestStart(ctx context.Context, ev *domain.Event) error {
	if err := checkEventData(ev); err != nil {
		return err
	}
	nodeID, planID, parentID, name := *ev.ID, *ev.PlanID, *ev.Parent, *ev.Name
	nodeType, err := domain.ParseNodeType(*ev.NodeType)
	if err != nil || nodeType == domain.NodeSkipped {
		return invalidInput("node %d: invalid node type %q", nodeID, *ev.NodeType)
	}
	ts := domain.TimeFromTS(*ev.Ts)
	args, err := arguments(ev.Params)
	if err != nil {
		return err
	}
	tin := defaultTin
	if ev.Tin != nil {
		tin = *ev.Tin
	}

	expected, err := s.expectedEvent()
	if err != nil {
		return err
	}
	if !expected.Entering || s.executingTest() || nodeID > s.maxNodeID+1 {
		s.log.Warn().Msg("some test control events were lost")
		s.log.Debug().Int("node_id", nodeID).Int("max_node_id", s.maxNodeID).
			Int("plan_id", planID).Stringer("expected", expected.Item).Msg("resynchronizing plan")
		if err := s.advancePlan(ctx, planID, true); err != nil {
			return err
		}
		if expected, err = s.expectedEvent(); err != nil {
			return err
		}
	}
	s.maxNodeID = nodeID

	if expected.Item.ID < planID {
		if err := s.tracker.SkipUntil(planID, true, nil, nil); err != nil {
			return s.skipError(err, planID, true)
		}
	}
	if s.executingTest() {
		return internal(nil, "node %d: a test is still running", nodeID)
	}

	if expected, err = s.expectedEvent(); err != nil {
		return err
	}
	if !expected.Entering {
		return internal(nil, "node %d: expected a start event, plan is at the end of %s", nodeID, expected.Item)
	}
	item := expected.Item
	if item.Name != name || item.Type != nodeType {
		return invalidInput("expected %s, got %s %s", item, nodeType, name)
	}
	// Nothing is known about lost items, so any parent is accepted below them.
	if top := s.topNodeID(); top != LostItemNodeID && top != parentID {
		return invalidInput("node %d: expected parent %d, got %d", nodeID, top, parentID)
	}
	if planID != item.ID {
		return internal(nil, "plan_id %d, expected %d", planID, item.ID)
	}

	s.advanceClock(ts)

	parentTest, parentIter, parentResult := s.parent()
	test, err := s.env.Store.AddTest(ctx, name, nodeType, parentTest)
	if err != nil {
		return internal(err, "failed to add test %s", name)
	}
	outcome, err := s.env.Store.AddIteration(ctx, test, args, ev.Hash, parentIter, len(s.stack))
	if err != nil {
		return internal(err, "failed to add iteration of %s", name)
	}
	if outcome.Created {
		s.log.Debug().Int64("iteration_id", outcome.Iteration.ID).Str("test", name).Msg("new iteration")
	}
	result, err := s.env.Store.AddIterationResult(ctx, domain.NewResult{
		Start:       s.lastTS,
		IterationID: outcome.Iteration.ID,
		RunID:       s.run.ID(),
		ParentID:    parentResult,
		Tin:         tin,
		ExecSeqno:   s.currentSeqno,
	})
	if err != nil {
		return internal(err, "failed to add result of %s", name)
	}

	s.push(&frame{
		Type:        nodeType,
		NodeID:      nodeID,
		PlanID:      planID,
		TestID:      test.ID,
		IterationID: outcome.Iteration.ID,
		ResultID:    result.ID,
		test:        test,
		iteration:   outcome.Iteration,
		result:      result,
	})
	s.nodes.AddRule(nodeID, result.ID)
	s.tracker.Next()
	return nil
}

func (s *Session) handleTestEnd(ctx context.Context, ev *domain.Event) error {
	if err := checkEventData(ev); err != nil {
		return err
	}
	nodeID, planID := *ev.ID, *ev.PlanID
	ts := domain.TimeFromTS(*ev.Ts)

	if nodeID > s.maxNodeID {
		s.maxNodeID = nodeID
	}
	if top := s.top(); top == nil || top.PlanID != planID {
		expected, err := s.expectedEvent()
		if err != nil {
			return err
		}
		s.log.Warn().Msg("some test control events were lost (end)")
		s.log.Debug().Int("node_id", nodeID).Int("max_node_id", s.maxNodeID).
			Int("plan_id", planID).Stringer("expected", expected.Item).Msg("resynchronizing plan, dropping result")
		return s.advancePlan(ctx, planID, false)
	}

	expected, err := s.expectedEvent()
	if err != nil {
		return err
	}
	if expected.Entering {
		if err := s.tracker.SkipUntil(planID, false, nil, nil); err != nil {
			return s.skipError(err, planID, false)
		}
		if expected, err = s.expectedEvent(); err != nil {
			return err
		}
	}
	if expected.Entering {
		return internal(nil, "expected end event, got start event for %s", expected.Item)
	}

	top := s.top()
	if top.NodeID != LostItemNodeID && top.NodeID != nodeID {
		return internal(nil, "node %d: running node is %d", nodeID, top.NodeID)
	}

	s.advanceClock(ts)
	if err := s.finishResult(ctx, top); err != nil {
		return err
	}

	// Only test results matter; sessions and packages are structural.
	if top.Type == domain.NodeTest {
		if err := s.recordOutcome(ctx, top, ev); err != nil {
			return err
		}
	}

	s.pop()
	s.tracker.Next()
	return nil
}

func (s *Session) recordOutcome(ctx context.Context, f *frame, ev *domain.Event) error {
	obtained := ev.Obtained
	if obtained == nil {
		return InvalidInput("test_end event is missing items", map[string]any{"items": []string{"obtained"}})
	}
	store := s.env.Store

	var errMsg string
	if ev.Error != nil {
		errMsg = *ev.Error
	}
	if err := store.AddObtainedResult(ctx, f.ResultID, obtained.Status, obtained.Verdicts, errMsg); err != nil {
		return internal(err, "failed to add obtained result")
	}

	if ev.Expected == nil {
		// No error and no explicit expectation: the obtained result was expected.
		if ev.Error == nil {
			exp := domain.ExpectedResult{
				Status:   obtained.Status,
				Verdicts: obtained.Verdicts,
				TagExpr:  ev.TagsExpr,
				Key:      obtained.Key,
				Notes:    obtained.Notes,
			}
			if err := store.AddExpectedResult(ctx, f.ResultID, exp); err != nil {
				return internal(err, "failed to add expected result")
			}
		}
	} else {
		for _, e := range ev.Expected {
			exp := domain.ExpectedResult{
				Status:   e.Status,
				Verdicts: e.Verdicts,
				TagExpr:  ev.TagsExpr,
				Key:      e.Key,
				Notes:    e.Notes,
			}
			if err := store.AddExpectedResult(ctx, f.ResultID, exp); err != nil {
				return internal(err, "failed to add expected result")
			}
		}
	}

	if n, ok := s.prologues[f.PlanID]; ok && obtained.Status != domain.ResultPassed && obtained.Status != domain.ResultFaked {
		if err := store.SetCount(ctx, f.ResultID, domain.MetaNamePrologueItems, n); err != nil {
			return internal(err, "failed to set prologue count")
		}
	}
	return nil
}

func (s *Session) handleArtifact(ctx context.Context, ev *domain.Event) error {
	if ev.TestID == nil {
		return InvalidInput("artifact event is missing items", map[string]any{"items": []string{"test_id"}})
	}
	resultID, ok := s.nodes.ResultID(*ev.TestID)
	if !ok {
		s.log.Error().Int("node_id", *ev.TestID).Msg("artifact processing failure: missing test iteration result")
		return nil
	}
	if s.env.Artifacts == nil {
		s.log.Warn().Int64("result_id", resultID).Msg("no artifact handler, dropping artifact")
		return nil
	}
	if err := s.env.Artifacts.HandleArtifact(ctx, resultID, ev.Body); err != nil {
		return internal(err, "failed to store artifact of node %d", *ev.TestID)
	}
	return nil
}
