package engine

import (
	"sort"

	ratingdomain "github.com/cloudmeter/quota/internal/rating/domain"
)

func sortByStartDate(usages []ratingdomain.ComputedUsage) {
	sort.SliceStable(usages, func(i, j int) bool {
		return usages[i].StartDate.Before(usages[j].StartDate)
	})
}
