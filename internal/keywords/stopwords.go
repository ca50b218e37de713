package keywords

// stopwords are removed from every keyword phrase. The list combines
// common English function words with domain terms that appear in nearly
// every ingested document and carry no retrieval value.
var stopwords = map[string]bool{
	// function words
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "for": true, "of": true,
	"with": true, "by": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "shall": true, "must": true, "can": true,
	"this": true, "that": true, "these": true, "those": true, "i": true, "you": true,
	"he": true, "she": true, "it": true, "we": true, "they": true, "my": true,
	"your": true, "his": true, "her": true, "its": true, "our": true, "their": true,
	"as": true, "if": true, "then": true, "than": true, "so": true, "not": true,
	"no": true, "nor": true, "from": true, "into": true, "over": true, "under": true,
	"above": true, "below": true, "between": true, "through": true, "during": true,
	"before": true, "after": true, "all": true, "any": true, "each": true, "other": true,
	"such": true, "only": true, "same": true, "also": true, "per": true, "via": true,
	"within": true, "without": true, "upon": true, "where": true, "which": true,
	"who": true, "whom": true, "when": true, "while": true, "there": true, "here": true,

	// domain terms present in nearly every document
	"project": true, "projects": true, "document": true, "documents": true,
	"section": true, "sections": true, "page": true, "pages": true,
	"figure": true, "figures": true, "table": true, "tables": true,
	"appendix": true, "appendices": true, "report": true, "reports": true,
	"chapter": true, "item": true, "items": true, "note": true, "notes": true,
	"draft": true, "final": true, "general": true, "summary": true,
	"attachment": true, "attachments": true, "refer": true, "see": true,
	"following": true, "shown": true, "described": true, "including": true,
	"et": true, "al": true, "etc": true, "ie": true, "eg": true,
}
