package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func emptySets() RelationshipSets {
	return RelationshipSets{
		Connections: map[int]struct{}{},
		Outgoing:    map[int]struct{}{},
		Incoming:    map[int]struct{}{},
		Dismissed:   map[int]struct{}{},
	}
}

func openFilters() Filters {
	return Filters{AgeMin: 0, AgeMax: 1 << 30, Gender: GenderAny}
}

func candidate(id int, city string, age int, gender string, langs, hobbies []string) PoolCandidate {
	return PoolCandidate{
		BioProfile: BioProfile{
			UserID:    id,
			City:      city,
			Age:       age,
			Gender:    gender,
			Languages: langs,
			Hobbies:   hobbies,
		},
		Connections: map[int]struct{}{},
	}
}

func TestScoringSuite(t *testing.T) {
	me := BioProfile{
		UserID:    1,
		City:      "Tallinn",
		Age:       30,
		Gender:    "female",
		Languages: []string{"estonian", "english"},
		Hobbies:   []string{"hiking", "chess"},
	}

	t.Run("SharedAttributesAddUp", func(t *testing.T) {
		// Same city +1, one shared language +1, one shared hobby +1.
		pool := []PoolCandidate{
			candidate(2, "Tallinn", 28, "male", []string{"english"}, []string{"chess"}),
		}
		results := computeRecommendations(me, emptySets(), pool, openFilters())
		require.Len(t, results, 1)
		assert.Equal(t, 3, results[0].Score)
		assert.ElementsMatch(t, []string{"city", "language:english", "hobby:chess"}, results[0].MatchedAttributes)
	})

	t.Run("DifferentCityNotScored", func(t *testing.T) {
		// A candidate in another city is excluded entirely, no matter how
		// many attributes would otherwise match.
		pool := []PoolCandidate{
			candidate(2, "Tartu", 30, "female", []string{"estonian", "english"}, []string{"hiking", "chess"}),
		}
		results := computeRecommendations(me, emptySets(), pool, openFilters())
		assert.Empty(t, results)
	})

	t.Run("CityMatchIsCaseInsensitive", func(t *testing.T) {
		pool := []PoolCandidate{
			candidate(2, "tallinn", 30, "female", []string{"english"}, nil),
		}
		results := computeRecommendations(me, emptySets(), pool, openFilters())
		require.Len(t, results, 1)
		assert.Equal(t, 2, results[0].Score)
	})

	t.Run("BelowThresholdFilteredOut", func(t *testing.T) {
		// City alone is score 1, below the minimum of 2.
		pool := []PoolCandidate{
			candidate(2, "Tallinn", 30, "male", []string{"french"}, []string{"pottery"}),
		}
		results := computeRecommendations(me, emptySets(), pool, openFilters())
		assert.Empty(t, results)
	})

	t.Run("ScoreCappedAtFive", func(t *testing.T) {
		// City + 2 languages + 2 hobbies = 5, plus a mutual connection
		// which must not push past the cap.
		c := candidate(2, "Tallinn", 30, "female",
			[]string{"estonian", "english"}, []string{"hiking", "chess"})
		c.Connections = map[int]struct{}{99: {}}
		sets := emptySets()
		sets.Connections[99] = struct{}{}

		score, matched := scoreCandidate(me, sets.Connections, c)
		assert.Equal(t, 5, score)
		assert.Contains(t, matched, "mutual_connection")
	})

	t.Run("MutualConnectionBonus", func(t *testing.T) {
		c := candidate(2, "Tallinn", 30, "female", []string{"english"}, nil)
		c.Connections = map[int]struct{}{42: {}}
		sets := emptySets()
		sets.Connections[42] = struct{}{}

		score, matched := scoreCandidate(me, sets.Connections, c)
		assert.Equal(t, 3, score)
		assert.ElementsMatch(t, []string{"city", "language:english", "mutual_connection"}, matched)
	})

	t.Run("AgeRangeInclusive", func(t *testing.T) {
		f := openFilters()
		f.AgeMin = 25
		f.AgeMax = 35
		pool := []PoolCandidate{
			candidate(2, "Tallinn", 35, "female", []string{"english"}, []string{"chess"}),
			candidate(3, "Tallinn", 36, "female", []string{"english"}, []string{"chess"}),
			candidate(4, "Tallinn", 25, "female", []string{"english"}, []string{"chess"}),
			candidate(5, "Tallinn", 24, "female", []string{"english"}, []string{"chess"}),
		}
		results := computeRecommendations(me, emptySets(), pool, f)
		ids := make([]int, 0, len(results))
		for _, r := range results {
			ids = append(ids, r.UserID)
		}
		assert.ElementsMatch(t, []int{2, 4}, ids)
	})

	t.Run("GenderFilter", func(t *testing.T) {
		f := openFilters()
		f.Gender = "male"
		pool := []PoolCandidate{
			candidate(2, "Tallinn", 30, "male", []string{"english"}, []string{"chess"}),
			candidate(3, "Tallinn", 30, "female", []string{"english"}, []string{"chess"}),
		}
		results := computeRecommendations(me, emptySets(), pool, f)
		require.Len(t, results, 1)
		assert.Equal(t, 2, results[0].UserID)
	})

	t.Run("ExcludesSelfConnectionsAndDismissed", func(t *testing.T) {
		sets := emptySets()
		sets.Connections[2] = struct{}{}
		sets.Dismissed[3] = struct{}{}
		pool := []PoolCandidate{
			candidate(1, "Tallinn", 30, "female", []string{"english"}, []string{"chess"}), // self
			candidate(2, "Tallinn", 30, "female", []string{"english"}, []string{"chess"}), // connected
			candidate(3, "Tallinn", 30, "female", []string{"english"}, []string{"chess"}), // dismissed
			candidate(4, "Tallinn", 30, "female", []string{"english"}, []string{"chess"}),
		}
		results := computeRecommendations(me, sets, pool, openFilters())
		require.Len(t, results, 1)
		assert.Equal(t, 4, results[0].UserID)
	})

	t.Run("OrderingAndTieBreak", func(t *testing.T) {
		pool := []PoolCandidate{
			candidate(9, "Tallinn", 30, "female", []string{"english"}, nil),                   // score 2
			candidate(5, "Tallinn", 30, "female", []string{"english"}, []string{"hiking"}),    // score 3
			candidate(3, "Tallinn", 30, "female", []string{"english"}, nil),                   // score 2
			candidate(7, "Tallinn", 30, "female", []string{"estonian", "english"}, nil),       // score 3
		}
		results := computeRecommendations(me, emptySets(), pool, openFilters())
		require.Len(t, results, 4)
		ids := []int{results[0].UserID, results[1].UserID, results[2].UserID, results[3].UserID}
		assert.Equal(t, []int{5, 7, 3, 9}, ids)
	})

	t.Run("TopTenTruncation", func(t *testing.T) {
		pool := make([]PoolCandidate, 0, 15)
		for i := 0; i < 15; i++ {
			pool = append(pool,
				candidate(100+i, "Tallinn", 30, "female", []string{"english"}, []string{"chess"}))
		}
		results := computeRecommendations(me, emptySets(), pool, openFilters())
		assert.Len(t, results, maxRecommendations)
	})

	t.Run("Deterministic", func(t *testing.T) {
		pool := []PoolCandidate{
			candidate(4, "Tallinn", 30, "female", []string{"english"}, []string{"chess"}),
			candidate(2, "Tallinn", 30, "female", []string{"estonian"}, []string{"hiking"}),
			candidate(3, "Tallinn", 30, "female", []string{"english", "estonian"}, nil),
		}
		first := computeRecommendations(me, emptySets(), pool, openFilters())
		for i := 0; i < 5; i++ {
			again := computeRecommendations(me, emptySets(), pool, openFilters())
			assert.Equal(t, first, again, fmt.Sprintf("run %d diverged", i))
		}
	})

	t.Run("SharedStringsDedupes", func(t *testing.T) {
		shared := sharedStrings(
			[]string{"English", "english", "Estonian"},
			[]string{"ENGLISH", "estonian", "Estonian"},
		)
		assert.Equal(t, []string{"english", "estonian"}, shared)
	})
}
