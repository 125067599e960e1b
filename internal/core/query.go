package core

import (
	"cmp"
	"context"
	"slices"
	"strings"

	"ciomsdb/pkg/domain"
)

// reportOrderings are the sortable root fields.
var reportOrderings = map[string]func(a, b domain.Report) int{
	"id":                      func(a, b domain.Report) int { return cmp.Compare(a.ID, b.ID) },
	"manufacturer_control_no": func(a, b domain.Report) int { return strings.Compare(a.ControlNumber, b.ControlNumber) },
	"date_received":           func(a, b domain.Report) int { return a.ReceivedDate.Compare(b.ReceivedDate.Time) },
	"created_at":              func(a, b domain.Report) int { return a.CreatedAt.Compare(b.CreatedAt) },
	"updated_at":              func(a, b domain.Report) int { return a.UpdatedAt.Compare(b.UpdatedAt) },
}

// ListReports returns one page of report roots. Equal sort keys keep store order,
// so repeated calls over unchanged data paginate deterministically.
func (s *Service) ListReports(ctx context.Context, opts domain.ListOptions) (domain.Page, error) {
	var page domain.Page
	err := s.run(ctx, operationListReports, func(ctx context.Context) error {
		var err error
		page, err = s.listReports(ctx, opts)
		return err
	})
	return page, err
}

func (s *Service) listReports(ctx context.Context, opts domain.ListOptions) (domain.Page, error) {
	opts, order, err := normalizeListOptions(opts)
	if err != nil {
		return domain.Page{}, err
	}
	reports, err := s.scanReports(ctx)
	if err != nil {
		return domain.Page{}, err
	}
	desc := opts.SortDirection == domain.SortDesc
	slices.SortStableFunc(reports, func(a, b domain.Report) int {
		if desc {
			return order(b, a)
		}
		return order(a, b)
	})

	total := len(reports)
	start := min(opts.Offset, total)
	end := min(opts.Offset+opts.Limit, total)
	return domain.Page{
		Reports: slices.Clip(reports[start:end]),
		Total:   total,
		Offset:  opts.Offset,
		Limit:   opts.Limit,
		HasMore: end < total,
	}, nil
}

func normalizeListOptions(opts domain.ListOptions) (domain.ListOptions, func(a, b domain.Report) int, error) {
	verr := &domain.ValidationError{}
	if opts.Limit < 0 {
		verr.Add("limit", "must not be negative")
	}
	if opts.Limit == 0 {
		opts.Limit = defaultListLimit
	}
	if opts.Offset < 0 {
		verr.Add("offset", "must not be negative")
	}
	if opts.SortField == "" {
		opts.SortField = defaultListSortField
	}
	order, ok := reportOrderings[opts.SortField]
	if !ok {
		verr.Add("sort", "unknown sort field "+opts.SortField)
	}
	switch domain.SortDirection(strings.ToLower(string(opts.SortDirection))) {
	case "":
		opts.SortDirection = defaultListSortOrder
	case domain.SortAsc:
		opts.SortDirection = domain.SortAsc
	case domain.SortDesc:
		opts.SortDirection = domain.SortDesc
	default:
		verr.Add("order", "must be asc or desc")
	}
	if err := verr.OrNil(); err != nil {
		return opts, nil, err
	}
	return opts, order, nil
}

// SearchReports filters report roots by root fields first, then by patient,
// reaction and drug predicates. At most the configured scan cap of root matches
// is considered, and the result stops at criteria.Limit.
func (s *Service) SearchReports(ctx context.Context, criteria domain.SearchCriteria) ([]domain.Report, error) {
	var out []domain.Report
	err := s.run(ctx, operationSearch, func(ctx context.Context) error {
		var err error
		out, err = s.searchReports(ctx, criteria)
		return err
	})
	return out, err
}

func (s *Service) searchReports(ctx context.Context, c domain.SearchCriteria) ([]domain.Report, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	reports, err := s.scanReports(ctx)
	if err != nil {
		return nil, err
	}
	candidates := make([]domain.Report, 0, min(len(reports), s.searchCap))
	for _, r := range reports {
		if len(candidates) >= s.searchCap {
			break
		}
		if matchesRoot(r, c) {
			candidates = append(candidates, r)
		}
	}

	results := make([]domain.Report, 0)
	for _, r := range candidates {
		if len(results) >= limit {
			break
		}
		ok, err := s.matchesChildren(ctx, r.ID, c)
		if err != nil {
			return nil, err
		}
		if ok {
			results = append(results, r)
		}
	}
	return results, nil
}

func matchesRoot(r domain.Report, c domain.SearchCriteria) bool {
	if !containsFold(r.ControlNumber, c.ControlNumber) {
		return false
	}
	if c.DateFrom != nil && r.ReceivedDate.Before(*c.DateFrom) {
		return false
	}
	if c.DateTo != nil && r.ReceivedDate.After(*c.DateTo) {
		return false
	}
	return true
}

// matchesChildren applies the child predicates in order and stops at the first miss.
func (s *Service) matchesChildren(ctx context.Context, reportID int64, c domain.SearchCriteria) (bool, error) {
	if c.PatientInitials != "" || c.Country != "" {
		patients, err := loadChildren[domain.PatientInfo](ctx, s.store, domain.CollectionPatients, reportID)
		if err != nil {
			return false, err
		}
		if len(patients) == 0 {
			return false, nil
		}
		p := patients[0]
		if !containsFold(p.Initials, c.PatientInitials) || !containsFold(p.Country, c.Country) {
			return false, nil
		}
	}
	if c.Reaction != "" {
		reactions, err := loadChildren[domain.Reaction](ctx, s.store, domain.CollectionReactions, reportID)
		if err != nil {
			return false, err
		}
		if !slices.ContainsFunc(reactions, func(r domain.Reaction) bool {
			return containsFold(r.ReactionEN, c.Reaction) || containsFold(r.ReactionKO, c.Reaction)
		}) {
			return false, nil
		}
	}
	if c.Drug != "" {
		drugs, err := loadChildren[domain.Drug](ctx, s.store, domain.CollectionDrugs, reportID)
		if err != nil {
			return false, err
		}
		if !slices.ContainsFunc(drugs, func(d domain.Drug) bool {
			return containsFold(d.NameEN, c.Drug) || containsFold(d.NameKO, c.Drug)
		}) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) scanReports(ctx context.Context) ([]domain.Report, error) {
	docs, err := s.store.Scan(ctx, domain.CollectionReports)
	if err != nil {
		return nil, domain.WrapStorage("scan reports", err)
	}
	return domain.DecodeRecords[domain.Report](docs)
}

// containsFold reports whether sub occurs in s ignoring case; an empty sub always matches.
func containsFold(s, sub string) bool {
	if sub == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
