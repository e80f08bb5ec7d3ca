package mpi

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// RankOrder is the order in which duplicate groups are reported.
type RankOrder string

const (
	// OrderByScore sorts by average score descending, then max score
	// descending, then lowest member id ascending.
	OrderByScore RankOrder = "score"
	// OrderByGroupID keeps discovery order (ascending group id).
	OrderByGroupID RankOrder = "group"
)

// ParseRankOrder maps a user-supplied value onto a RankOrder.
func ParseRankOrder(s string) (RankOrder, error) {
	switch RankOrder(s) {
	case "", OrderByScore:
		return OrderByScore, nil
	case OrderByGroupID:
		return OrderByGroupID, nil
	default:
		return "", fmt.Errorf("unknown ranking %q (want %q or %q)", s, OrderByScore, OrderByGroupID)
	}
}

// ClusterAnalyzer turns graph components into scored duplicate groups. It
// only reads scores from the cache and never rescores a pair.
type ClusterAnalyzer struct{}

// Analyze builds the group for one component. Members are sorted by id and
// every C(k,2) pair is reported. A pair missing from the cache is an error,
// since every member pair was scored during the run.
func (ClusterAnalyzer) Analyze(groupID int, component []uuid.UUID, cache *PairScoreCache, records map[uuid.UUID]PatientRecord) (DuplicateGroup, error) {
	if len(component) < 2 {
		return DuplicateGroup{}, fmt.Errorf("group %d: component has %d members, need at least 2", groupID, len(component))
	}

	members := append([]uuid.UUID(nil), component...)
	sortIDs(members)

	group := DuplicateGroup{
		GroupID:   groupID,
		MemberIDs: members,
		Pairs:     make([]PairScore, 0, len(members)*(len(members)-1)/2),
		Members:   make([]PatientRecord, 0, len(members)),
	}

	sum := 0.0
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			score, ok := cache.Get(members[i], members[j])
			if !ok {
				return DuplicateGroup{}, fmt.Errorf("group %d: no cached score for pair %s/%s", groupID, members[i], members[j])
			}
			if len(group.Pairs) == 0 || score > group.MaxScore {
				group.MaxScore = score
			}
			if len(group.Pairs) == 0 || score < group.MinScore {
				group.MinScore = score
			}
			sum += score
			group.Pairs = append(group.Pairs, PairScore{MemberA: members[i], MemberB: members[j], Score: score})
		}
	}
	group.AverageScore = round2(sum / float64(len(group.Pairs)))

	for _, id := range members {
		if rec, ok := records[id]; ok {
			group.Members = append(group.Members, rec)
		}
	}
	return group, nil
}

// Rank sorts groups in place according to order and returns them.
func (ClusterAnalyzer) Rank(groups []DuplicateGroup, order RankOrder) []DuplicateGroup {
	if order == OrderByGroupID {
		sort.SliceStable(groups, func(i, j int) bool { return groups[i].GroupID < groups[j].GroupID })
		return groups
	}
	sort.SliceStable(groups, func(i, j int) bool {
		a, b := groups[i], groups[j]
		if a.AverageScore != b.AverageScore {
			return a.AverageScore > b.AverageScore
		}
		if a.MaxScore != b.MaxScore {
			return a.MaxScore > b.MaxScore
		}
		return compareIDs(a.MemberIDs[0], b.MemberIDs[0]) < 0
	})
	return groups
}
