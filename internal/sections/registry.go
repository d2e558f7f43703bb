package sections

import "fmt"

type Page struct {
	Type     PageType
	Sections []SectionDefinition
}

// Registry is an immutable catalog of page schemas. Lookups hand out copies.
type Registry struct {
	order []PageType
	pages map[PageType][]SectionDefinition
}

// NewRegistry validates the catalog: section keys are unique per page and
// every default matches its field kind.
func NewRegistry(pages ...Page) (*Registry, error) {
	r := &Registry{pages: make(map[PageType][]SectionDefinition, len(pages))}
	for _, page := range pages {
		if _, exists := r.pages[page.Type]; exists {
			return nil, fmt.Errorf("duplicate page type %q", page.Type)
		}
		seen := make(map[string]struct{}, len(page.Sections))
		defs := make([]SectionDefinition, 0, len(page.Sections))
		for _, section := range page.Sections {
			if section.Key == "" {
				return nil, fmt.Errorf("page %q: section key is required", page.Type)
			}
			if _, dup := seen[section.Key]; dup {
				return nil, fmt.Errorf("page %q: duplicate section %q", page.Type, section.Key)
			}
			seen[section.Key] = struct{}{}
			fieldNames := make(map[string]struct{}, len(section.Fields))
			for _, field := range section.Fields {
				if _, dup := fieldNames[field.Name]; dup {
					return nil, fmt.Errorf("page %q section %q: duplicate field %q", page.Type, section.Key, field.Name)
				}
				fieldNames[field.Name] = struct{}{}
				if err := field.Validate(field.Default); err != nil {
					return nil, fmt.Errorf("page %q section %q: %w", page.Type, section.Key, err)
				}
			}
			defs = append(defs, section.clone())
		}
		r.order = append(r.order, page.Type)
		r.pages[page.Type] = defs
	}
	return r, nil
}

// MustRegistry is NewRegistry for catalogs defined in code.
func MustRegistry(pages ...Page) *Registry {
	r, err := NewRegistry(pages...)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultSections returns the page's sections in declared order. Unknown page
// types yield an empty slice.
func (r *Registry) DefaultSections(pageType PageType) []SectionDefinition {
	defs := r.pages[pageType]
	out := make([]SectionDefinition, len(defs))
	for i, def := range defs {
		out[i] = def.clone()
	}
	return out
}

func (r *Registry) Section(pageType PageType, key string) (SectionDefinition, bool) {
	for _, def := range r.pages[pageType] {
		if def.Key == key {
			return def.clone(), true
		}
	}
	return SectionDefinition{}, false
}

func (r *Registry) HasPage(pageType PageType) bool {
	_, ok := r.pages[pageType]
	return ok
}

func (r *Registry) PageTypes() []PageType {
	out := make([]PageType, len(r.order))
	copy(out, r.order)
	return out
}
