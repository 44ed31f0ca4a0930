package translator

import (
	"fmt"
	"strings"

	"github.com/sheetqa/sheetqa/internal/schema"
)

const systemPrompt = `You translate questions about one uploaded table into a JSON query plan.
You do not compute answers; an engine executes the plan.

Reply with exactly one JSON object and nothing else:
{"steps": [ ... ]}

Steps run left to right. Each step is an object with an "op" field:
- {"op":"filter","column":C,"operator":O,"value":V}
  numeric columns: eq ne gt gte lt lte; text: eq ne contains; datetime: before after eq; boolean: eq.
  Any column: is_null, not_null (no value).
- {"op":"project","columns":[C,...]}
- {"op":"aggregate","func":F,"column":C,"group_by":[C,...],"null_stats":false}
  F is count, sum, average, min, max or distinct_count. Omit column to count rows.
  sum and average need numeric columns; min and max need numeric or datetime columns.
  Without group_by the aggregate must be the last step. Its output column is named F_C, or F when counting rows.
- {"op":"sort","column":C,"descending":true}
- {"op":"compute","name":N,"expression":E}
  E uses + - * / %, parentheses, numbers, 'text', column names (double-quote names with spaces)
  and lower() upper() trim() length() abs() round(x, digits) year() month() day().
- {"op":"compare","func":F,"column":C,"left":{"label":L,"steps":[...]},"right":{"label":L,"steps":[...]}}
  Runs both branches over the same rows and reports the aggregate for each. Must be the last step.

Use only the listed column names, spelled exactly. Dates are written as YYYY-MM-DD.
If the question cannot be answered from these columns, reply {"error":"<short reason>"}.`

// buildPrompt describes the schema without sending any row data beyond a few
// distinct sample values for low-cardinality columns.
func buildPrompt(sch schema.Schema, question string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TABLE (%d rows)\n", sch.RowCount)
	b.WriteString("COLUMNS:\n")
	for _, col := range sch.Columns {
		fmt.Fprintf(&b, "- %q: %s, %s cardinality (%d distinct, %d null)", col.Name, col.Type, col.Cardinality, col.Distinct, col.Null)
		if len(col.Samples) > 0 && col.Cardinality != schema.CardinalityHigh {
			quoted := make([]string, len(col.Samples))
			for i, sample := range col.Samples {
				quoted[i] = fmt.Sprintf("%q", sample)
			}
			fmt.Fprintf(&b, " values: [%s]", strings.Join(quoted, ", "))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nQUESTION:\n")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n")
	return b.String()
}

func buildRetryPrompt(original, previousOutput string, parseErr error) string {
	var b strings.Builder
	b.WriteString(original)
	b.WriteString("\nYour previous reply could not be used:\n")
	b.WriteString(previousOutput)
	fmt.Fprintf(&b, "\n\nProblem: %v\nReply again with only the JSON object.\n", parseErr)
	return b.String()
}
