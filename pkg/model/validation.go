package model

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidateCronExpression validates a cron expression format.
// It uses the same five-field parser as the scheduler, so descriptors such
// as @hourly and @every are accepted and seconds or year fields are not.
func ValidateCronExpression(cronExpr string) error {
	if strings.TrimSpace(cronExpr) == "" {
		return fmt.Errorf("cron expression cannot be empty")
	}

	_, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression '%s': %v", cronExpr, err)
	}

	return nil
}

// ValidateViewModel checks the card-count and non-empty invariants of a normalized view model
func ValidateViewModel(vm ViewModel) error {
	if len(vm.Cards) < MinCards || len(vm.Cards) > MaxCards {
		return fmt.Errorf("view model has %d cards, want between %d and %d", len(vm.Cards), MinCards, MaxCards)
	}

	for i, card := range vm.Cards {
		if card.Label == "" {
			return fmt.Errorf("card %d has an empty label", i)
		}
		if card.Value.IsEmpty() {
			return fmt.Errorf("card %d has an empty value", i)
		}
		if ParseTrend(string(card.Trend)) != card.Trend {
			return fmt.Errorf("card %d has invalid trend '%s'", i, card.Trend)
		}
	}

	return nil
}
