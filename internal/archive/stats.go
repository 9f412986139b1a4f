package archive

import "sort"

// AccountStats summarizes one account's archive.
type AccountStats struct {
	Username      string
	TotalStories  int
	TotalMedia    int
	Unpublished   int
	LastCheckedAt string
	AnchorPostID  string
	LastPostID    string
}

// Stats summarizes the whole archive across accounts.
type Stats struct {
	TotalStories int
	TotalMedia   int
	Accounts     []AccountStats
}

// Statistics computes archive totals. Accounts are listed in sorted
// username order for stable output.
func (s *Store) Statistics() Stats {
	usernames := make([]string, 0, len(s.doc.Accounts))
	for username := range s.doc.Accounts {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)

	var stats Stats
	for _, username := range usernames {
		account := s.doc.Accounts[username]
		as := AccountStats{
			Username:      username,
			TotalStories:  len(account.Stories),
			LastCheckedAt: account.LastCheckedAt,
			AnchorPostID:  account.AnchorPostID,
			LastPostID:    account.LastPostID,
		}
		for _, r := range account.Stories {
			as.TotalMedia += len(r.MediaItems)
			if !r.Published() {
				as.Unpublished++
			}
		}
		stats.TotalStories += as.TotalStories
		stats.TotalMedia += as.TotalMedia
		stats.Accounts = append(stats.Accounts, as)
	}
	return stats
}
