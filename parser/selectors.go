package parser

// Selectors names the CSS selectors used to locate each section of a book
// detail page and the item anchors on a listing page.
type Selectors struct {
	Title         string `yaml:"title"`
	Author        string `yaml:"author"`
	Rating        string `yaml:"rating"`
	RatingCount   string `yaml:"rating_count"`
	ReviewCount   string `yaml:"review_count"`
	Description   string `yaml:"description"`
	ListingAnchor string `yaml:"listing_anchor"`
}

// DefaultSelectors matches the current Goodreads markup.
func DefaultSelectors() Selectors {
	return Selectors{
		Title:         "h1.Text__title1",
		Author:        "span.ContributorLink__name",
		Rating:        "div.RatingStatistics__rating",
		RatingCount:   "span[data-testid='ratingsCount']",
		ReviewCount:   "span[data-testid='reviewsCount']",
		Description:   "div.DetailsLayoutRightParagraph__widthConstrained",
		ListingAnchor: "a.bookTitle",
	}
}

// WithDefaults fills every empty selector from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	def := DefaultSelectors()
	if s.Title == "" {
		s.Title = def.Title
	}
	if s.Author == "" {
		s.Author = def.Author
	}
	if s.Rating == "" {
		s.Rating = def.Rating
	}
	if s.RatingCount == "" {
		s.RatingCount = def.RatingCount
	}
	if s.ReviewCount == "" {
		s.ReviewCount = def.ReviewCount
	}
	if s.Description == "" {
		s.Description = def.Description
	}
	if s.ListingAnchor == "" {
		s.ListingAnchor = def.ListingAnchor
	}
	return s
}
