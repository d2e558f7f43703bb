package sections

var defaultRegistry = MustRegistry(
	Page{Type: PageHome, Sections: []SectionDefinition{
		{Key: "hero", Visible: true, Fields: []FieldDefinition{
			{Name: "title", Kind: KindString, Default: "Our Family Logbook"},
			{Name: "subtitle", Kind: KindString, Default: "Memories worth keeping, shared with the people who matter."},
			{Name: "showCountdown", Kind: KindBool, Default: false},
		}},
		{Key: "stats", Visible: false, Fields: []FieldDefinition{
			{Name: "showMemberCount", Kind: KindBool, Default: true},
			{Name: "showPhotoCount", Kind: KindBool, Default: true},
			{Name: "highlights", Kind: KindList, Default: []any{}},
		}},
		{Key: "welcome", Visible: true, Fields: []FieldDefinition{
			{Name: "message", Kind: KindString, Default: "Welcome! Have a look around and leave a note."},
			{Name: "signature", Kind: KindString, Default: ""},
		}},
		{Key: "timeline", Visible: true, Fields: []FieldDefinition{
			{Name: "title", Kind: KindString, Default: "Milestones"},
			{Name: "entries", Kind: KindList, Default: []any{}},
		}},
	}},
	Page{Type: PageGallery, Sections: []SectionDefinition{
		{Key: "header", Visible: true, Fields: []FieldDefinition{
			{Name: "title", Kind: KindString, Default: "Gallery"},
			{Name: "description", Kind: KindString, Default: "Photos and videos from the family."},
		}},
		{Key: "grid", Visible: true, Fields: []FieldDefinition{
			{Name: "layout", Kind: KindString, Default: "masonry"},
			{Name: "showCaptions", Kind: KindBool, Default: true},
		}},
		{Key: "download", Visible: true, Fields: []FieldDefinition{
			{Name: "label", Kind: KindString, Default: "Download all"},
			{Name: "includeOriginals", Kind: KindBool, Default: true},
		}},
	}},
	Page{Type: PageVault, Sections: []SectionDefinition{
		{Key: "intro", Visible: true, Fields: []FieldDefinition{
			{Name: "title", Kind: KindString, Default: "Vault"},
			{Name: "body", Kind: KindString, Default: "Important documents, kept in one place."},
		}},
		{Key: "documents", Visible: true, Fields: []FieldDefinition{
			{Name: "categories", Kind: KindList, Default: []any{"Medical", "School", "Legal"}},
		}},
		{Key: "emergency", Visible: false, Fields: []FieldDefinition{
			{Name: "note", Kind: KindString, Default: ""},
			{Name: "contacts", Kind: KindList, Default: []any{}},
		}},
	}},
	Page{Type: PageFAQ, Sections: []SectionDefinition{
		{Key: "intro", Visible: true, Fields: []FieldDefinition{
			{Name: "title", Kind: KindString, Default: "Questions & answers"},
		}},
		{Key: "questions", Visible: true, Fields: []FieldDefinition{
			{Name: "items", Kind: KindList, Default: []any{
				map[string]any{"question": "Who can see this logbook?", "answer": "Only invited members."},
			}},
		}},
		{Key: "contact", Visible: false, Fields: []FieldDefinition{
			{Name: "email", Kind: KindString, Default: ""},
			{Name: "details", Kind: KindObject, Default: map[string]any{"hours": "", "preferred": "email"}},
		}},
	}},
)

// Default returns the catalog compiled into the binary.
func Default() *Registry {
	return defaultRegistry
}
