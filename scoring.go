package main

import (
	"sort"
	"strings"
)

const (
	// GenderAny is the wildcard value for the gender filter.
	GenderAny = "all"

	maxMatchScore      = 5
	minMatchScore      = 2
	maxRecommendations = 10
)

// Recommendation is a scored candidate. Transient, computed, never persisted.
type Recommendation struct {
	UserID            int      `json:"user_id"`
	Score             int      `json:"score"`
	MatchedAttributes []string `json:"matched_attributes"`
}

// computeRecommendations produces the ranked candidate list for a user.
// Pure: identical inputs always yield identical ordered output.
//
// Pipeline: exclude self/connections/dismissed, inclusive age range, same-city
// gate (candidates in another city are not scored at all), score, keep
// score >= 2, gender filter, sort by score desc / id asc, top 10.
func computeRecommendations(user BioProfile, sets RelationshipSets, pool []PoolCandidate, f Filters) []Recommendation {
	results := make([]Recommendation, 0, len(pool))

	for _, c := range pool {
		if c.UserID == user.UserID {
			continue
		}
		if _, connected := sets.Connections[c.UserID]; connected {
			continue
		}
		if _, gone := sets.Dismissed[c.UserID]; gone {
			continue
		}
		if c.Age < f.AgeMin || c.Age > f.AgeMax {
			continue
		}
		// Matching is city-scoped: different city means no score at all.
		if !strings.EqualFold(c.City, user.City) {
			continue
		}
		if f.Gender != GenderAny && !strings.EqualFold(c.Gender, f.Gender) {
			continue
		}

		score, matched := scoreCandidate(user, sets.Connections, c)
		if score < minMatchScore {
			continue
		}
		results = append(results, Recommendation{
			UserID:            c.UserID,
			Score:             score,
			MatchedAttributes: matched,
		})
	}

	// Ties break on ascending id so the ordering is deterministic.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].UserID < results[j].UserID
	})

	if len(results) > maxRecommendations {
		results = results[:maxRecommendations]
	}
	return results
}

// scoreCandidate scores a same-city candidate against the user:
// +1 shared city, +1 per shared language, +1 per shared hobby, and a
// mutual-connection bonus of +1. The total is capped at maxMatchScore.
func scoreCandidate(user BioProfile, userConnections map[int]struct{}, c PoolCandidate) (int, []string) {
	score := 0
	matched := make([]string, 0, 8)

	if strings.EqualFold(c.City, user.City) && user.City != "" {
		score++
		matched = append(matched, "city")
	}

	for _, lang := range sharedStrings(user.Languages, c.Languages) {
		score++
		matched = append(matched, "language:"+lang)
	}
	for _, hobby := range sharedStrings(user.Hobbies, c.Hobbies) {
		score++
		matched = append(matched, "hobby:"+hobby)
	}

	if hasMutualConnection(userConnections, c.Connections) {
		if score < maxMatchScore {
			score++
		}
		matched = append(matched, "mutual_connection")
	}

	if score > maxMatchScore {
		score = maxMatchScore
	}
	return score, matched
}

// sharedStrings returns the case-insensitive intersection of two string
// sets, lowercased and sorted for stable output.
func sharedStrings(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[strings.ToLower(s)] = true
	}
	seen := make(map[string]bool, len(b))
	var shared []string
	for _, s := range b {
		ls := strings.ToLower(s)
		if set[ls] && !seen[ls] {
			seen[ls] = true
			shared = append(shared, ls)
		}
	}
	sort.Strings(shared)
	return shared
}

// hasMutualConnection reports whether the candidate shares at least one
// accepted connection with the user (the friend-of-a-friend signal).
func hasMutualConnection(userConns map[int]struct{}, candidateConns map[int]struct{}) bool {
	if len(userConns) == 0 || len(candidateConns) == 0 {
		return false
	}
	small, large := userConns, candidateConns
	if len(large) < len(small) {
		small, large = large, small
	}
	for id := range small {
		if _, ok := large[id]; ok {
			return true
		}
	}
	return false
}
