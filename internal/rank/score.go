// Package rank computes the quality score that decides retention,
// eviction, and read ordering of cached records. Hot records (high base
// value, frequently and recently opened) survive quota pressure; cold
// records are the first to go.
package rank

import "time"

const (
	// frequencyWeight is added per recorded access, capped so a single
	// hot record cannot dominate the whole type.
	frequencyWeight   = 2.0
	frequencyCapCount = 20

	recencyBonusHour = 10.0
	recencyBonusDay  = 5.0
	recencyBonusWeek = 2.0

	// newListingBonus rewards freshly created listings so new providers
	// get a window of visibility before engagement data exists.
	newListingBonus   = 8.0
	newListingWindow  = 7 * 24 * time.Hour
	// FollowedBonus keeps providers the user follows ahead of the
	// general directory under quota pressure.
	FollowedBonus = 20.0

	verifiedBonus     = 15.0
	ratingWeight      = 10.0
	followerWeight    = 0.05
	followerScoreCap  = 25.0
	engagementWeight  = 0.5
	engagementBonus   = 30.0
)

// Score combines a domain base score with access frequency and recency
// bonuses. Recomputed lazily on each access, not on a schedule.
func Score(base float64, accessCount int64, lastAccessedAt, now time.Time) float64 {
	score := base

	n := accessCount
	if n > frequencyCapCount {
		n = frequencyCapCount
	}
	score += float64(n) * frequencyWeight

	if !lastAccessedAt.IsZero() {
		switch age := now.Sub(lastAccessedAt); {
		case age <= time.Hour:
			score += recencyBonusHour
		case age <= 24*time.Hour:
			score += recencyBonusDay
		case age <= 7*24*time.Hour:
			score += recencyBonusWeek
		}
	}

	return score
}

// ListingBase scores a provider listing from its profile quality.
func ListingBase(rating float64, verified bool, followers int, createdAt, now time.Time) float64 {
	score := rating * ratingWeight
	if verified {
		score += verifiedBonus
	}
	f := float64(followers) * followerWeight
	if f > followerScoreCap {
		f = followerScoreCap
	}
	score += f
	if now.Sub(createdAt) <= newListingWindow {
		score += newListingBonus
	}
	return score
}

// PostBase scores a feed post from engagement, capped, plus an age decay
// so stale viral posts eventually yield to fresh content.
func PostBase(likes, comments int, createdAt, now time.Time) float64 {
	e := float64(likes)*engagementWeight + float64(comments)
	if e > engagementBonus {
		e = engagementBonus
	}
	ageDays := now.Sub(createdAt).Hours() / 24
	decay := ageDays
	if decay > 20 {
		decay = 20
	}
	return e + 20 - decay
}

// MessageBase scores a chat message purely by recency of the message
// itself; conversation ordering carries the rest.
func MessageBase(sentAt, now time.Time) float64 {
	ageHours := now.Sub(sentAt).Hours()
	score := 30 - ageHours/24
	if score < 0 {
		score = 0
	}
	return score
}

// ConversationBase ranks a conversation by unread pressure and pinning.
func ConversationBase(unread int, pinned bool) float64 {
	score := float64(unread) * 3
	if score > 30 {
		score = 30
	}
	if pinned {
		score += 50
	}
	return score
}
