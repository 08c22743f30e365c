package scoring

import "time"

// Category selects where the resolver reads a rule's field from.
type Category string

const (
	CategoryDemographic  Category = "demographic"
	CategoryBehavioral   Category = "behavioral"
	CategoryFirmographic Category = "firmographic"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryDemographic, CategoryBehavioral, CategoryFirmographic:
		return true
	}
	return false
}

// Operator names the predicate applied between a resolved value and Rule.Value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIsEmpty     Operator = "is_empty"
	OpIsNotEmpty  Operator = "is_not_empty"
	OpBetween     Operator = "between"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
)

// Operators lists every operator the evaluator understands.
var Operators = []Operator{
	OpEquals, OpNotEquals, OpGreaterThan, OpLessThan, OpContains, OpNotContains,
	OpIsEmpty, OpIsNotEmpty, OpBetween, OpIn, OpNotIn,
}

func (o Operator) Valid() bool {
	for _, known := range Operators {
		if o == known {
			return true
		}
	}
	return false
}

const (
	MinPoints = -100
	MaxPoints = 100
)

// Rule is a tenant-defined predicate that contributes signed points.
type Rule struct {
	ID          string
	TenantID    string
	Category    Category
	Field       string
	Operator    Operator
	Value       string
	Points      int
	Description string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Grade is the letter bucket of a total score.
type Grade string

const (
	GradeA Grade = "A"
	GradeB Grade = "B"
	GradeC Grade = "C"
	GradeD Grade = "D"
	GradeF Grade = "F"
)

// GradeFor maps a total onto the fixed grade thresholds.
func GradeFor(points int) Grade {
	switch {
	case points >= 80:
		return GradeA
	case points >= 60:
		return GradeB
	case points >= 40:
		return GradeC
	case points >= 20:
		return GradeD
	default:
		return GradeF
	}
}

// BreakdownItem records one matched rule inside a score snapshot.
type BreakdownItem struct {
	RuleID   string   `json:"rule_id"`
	Field    string   `json:"field"`
	Category Category `json:"category"`
	Points   int      `json:"points"`
}

// LeadScore is the current score snapshot of a customer.
type LeadScore struct {
	TenantID     string
	CustomerID   string
	TotalPoints  int
	Grade        Grade
	Breakdown    []BreakdownItem
	CalculatedAt time.Time
}

// LeaderboardEntry is a score row joined with its customer's contact data.
type LeaderboardEntry struct {
	CustomerID    string
	CustomerName  string
	CustomerEmail string
	TotalPoints   int
	Grade         Grade
	CalculatedAt  time.Time
}
