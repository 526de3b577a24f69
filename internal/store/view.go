package store

// Mutation - факт записи в хранилище (то, что публикуется в ленте изменений)
type Mutation struct {
	Deleted bool     `json:"deleted"`
	Doc     Document `json:"doc"`
}

// View держит результат одного живого запроса и переводит мутации
// хранилища в изменения added/modified/removed относительно этого запроса.
type View struct {
	q    Query
	docs map[string]Document
}

func NewView(q Query) *View {
	return &View{q: q.Normalized(), docs: make(map[string]Document)}
}

func (v *View) Query() Query {
	return v.q
}

func (v *View) Len() int {
	return len(v.docs)
}

// Reset заменяет содержимое без генерации изменений
func (v *View) Reset(docs []Document) {
	v.docs = make(map[string]Document, len(docs))
	for _, d := range docs {
		if v.q.Matches(d) {
			v.docs[d.ID] = d
		}
	}
}

// Initial - первый снимок: каждый документ сообщается как added
func (v *View) Initial() Snapshot {
	docs := v.Docs()
	changes := make([]Change, 0, len(docs))
	for _, d := range docs {
		changes = append(changes, Change{Kind: ChangeAdded, Doc: d})
	}
	return Snapshot{Docs: docs, Changes: changes}
}

// Docs возвращает упорядоченные документы запроса
func (v *View) Docs() []Document {
	docs := make([]Document, 0, len(v.docs))
	for _, d := range v.docs {
		docs = append(docs, d)
	}
	v.q.Sort(docs)
	if v.q.Limit > 0 && len(docs) > v.q.Limit {
		docs = docs[:v.q.Limit]
	}
	return docs
}

// Apply применяет мутацию. Мутации старше уже известной версии документа игнорируются.
func (v *View) Apply(m Mutation) (Change, bool) {
	existing, had := v.docs[m.Doc.ID]
	if had && m.Doc.UpdateTime.Before(existing.UpdateTime) {
		return Change{}, false
	}

	if m.Deleted || !v.q.Matches(m.Doc) {
		if !had {
			return Change{}, false
		}
		delete(v.docs, m.Doc.ID)
		return Change{Kind: ChangeRemoved, Doc: existing}, true
	}

	v.docs[m.Doc.ID] = m.Doc
	if had {
		return Change{Kind: ChangeModified, Doc: m.Doc}, true
	}
	return Change{Kind: ChangeAdded, Doc: m.Doc}, true
}

// Snapshot собирает снимок с переданными изменениями
func (v *View) Snapshot(changes []Change, pending bool) Snapshot {
	return Snapshot{Docs: v.Docs(), Changes: changes, HasPendingWrites: pending}
}

// Resync заменяет содержимое новым полным результатом и возвращает разницу.
// Нужен после переподписки, когда промежуточные мутации могли быть пропущены.
func (v *View) Resync(docs []Document) []Change {
	next := make(map[string]Document, len(docs))
	for _, d := range docs {
		if v.q.Matches(d) {
			next[d.ID] = d
		}
	}

	var changes []Change
	for id, old := range v.docs {
		if _, ok := next[id]; !ok {
			changes = append(changes, Change{Kind: ChangeRemoved, Doc: old})
		}
	}
	for _, d := range v.q.WithLimit(0).Apply(docs) {
		old, had := v.docs[d.ID]
		switch {
		case !had:
			changes = append(changes, Change{Kind: ChangeAdded, Doc: d})
		case !old.UpdateTime.Equal(d.UpdateTime):
			changes = append(changes, Change{Kind: ChangeModified, Doc: d})
		}
	}
	v.docs = next
	return changes
}
