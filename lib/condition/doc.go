// Package condition implements the single-field filter of getAll queries.
//
// A Condition captures exactly one field, one comparator (eq, gt, gte, lt,
// lte) and one scalar value. It is consumed in two equivalent forms:
//
//   - Range(): a range descriptor driving a secondary-index scan on the
//     storage tier, and
//   - Satisfies(doc): an in-memory predicate over the document's field.
//
// The two forms agree bit-for-bit for every input: Satisfies(d) holds iff
// Range().Contains(d[field]) holds. This agreement is what lets the overlay
// tier mix index-scanned base rows with predicate-filtered pending rows in
// one result set.
package condition
