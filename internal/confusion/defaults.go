package confusion

// Position bias shorthands for the default table.
var (
	joined = []Position{PositionInitial, PositionMedial}
	tail   = []Position{PositionFinal, PositionIsolated}
)

func bias(p float64, positions ...Position) map[Position]float64 {
	m := make(map[Position]float64, len(positions))
	for _, pos := range positions {
		m[pos] = p
	}
	return m
}

func e(target rune, p float64) Entry {
	return Entry{Target: target, Probability: p}
}

func eb(target rune, p float64, b map[Position]float64) Entry {
	return Entry{Target: target, Probability: p, PositionBias: b}
}

// DefaultTable returns a fresh copy of the built-in confusion table.
//
// Arabic entries cover letters that differ only by dots or a small stroke;
// their joined forms (initial/medial) are far more alike than the isolated
// ones, which the position bias reflects. Latin entries cover digit/letter
// lookalikes.
func DefaultTable() Table {
	return Table{
		// dotted tooth family
		'ب': {e('ت', 0.35), e('ث', 0.20), eb('ن', 0.25, bias(0.35, joined...)), eb('ي', 0.15, bias(0.30, joined...))},
		'ت': {e('ب', 0.30), e('ث', 0.30), eb('ن', 0.20, bias(0.30, joined...)), eb('ة', 0, bias(0.40, tail...))},
		'ث': {e('ت', 0.35), e('ب', 0.20), e('ن', 0.15)},
		'ن': {e('ب', 0.25), e('ت', 0.20), eb('ي', 0.15, bias(0.30, PositionMedial))},
		'ي': {eb('ى', 0.10, bias(0.45, tail...)), e('ب', 0.15), eb('ن', 0.10, bias(0.20, PositionMedial))},
		'ى': {e('ي', 0.45)},

		'ج': {e('ح', 0.35), e('خ', 0.30)},
		'ح': {e('ج', 0.30), e('خ', 0.35)},
		'خ': {e('ح', 0.35), e('ج', 0.25)},

		'د': {e('ذ', 0.35), e('ر', 0.10)},
		'ذ': {e('د', 0.40), e('ز', 0.10)},
		'ر': {e('ز', 0.35), e('د', 0.10), e('و', 0.10)},
		'ز': {e('ر', 0.40), e('ذ', 0.10)},

		'س': {e('ش', 0.30)},
		'ش': {e('س', 0.35)},
		'ص': {e('ض', 0.35)},
		'ض': {e('ص', 0.35)},
		'ط': {e('ظ', 0.35)},
		'ظ': {e('ط', 0.40)},
		'ع': {e('غ', 0.35)},
		'غ': {e('ع', 0.35)},
		'ف': {eb('ق', 0.30, bias(0.35, joined...))},
		'ق': {eb('ف', 0.30, bias(0.35, joined...))},

		'ه': {eb('ة', 0.15, bias(0.45, tail...))},
		'ة': {e('ه', 0.45), e('ت', 0.20)},

		// alef and hamza carriers
		'ا': {eb('أ', 0.25, bias(0.40, PositionInitial, PositionIsolated)), e('إ', 0.20), e('ل', 0.10)},
		'أ': {e('ا', 0.35), e('إ', 0.20), e('آ', 0.10)},
		'إ': {e('ا', 0.35), e('أ', 0.20)},
		'آ': {e('ا', 0.30), e('أ', 0.20)},
		'و': {e('ؤ', 0.20), e('ر', 0.10)},
		'ؤ': {e('و', 0.35)},

		// Latin and digits
		'0': {e('O', 0.40), e('o', 0.30)},
		'O': {e('0', 0.30)},
		'o': {e('0', 0.20), e('e', 0.10), e('a', 0.10)},
		'1': {e('l', 0.35), e('I', 0.30), e('i', 0.10)},
		'l': {e('1', 0.30), e('I', 0.30), e('i', 0.10)},
		'I': {e('l', 0.35), e('1', 0.25)},
		'5': {e('S', 0.35), e('s', 0.25)},
		'S': {e('5', 0.30)},
		's': {e('5', 0.10)},
		'3': {e('e', 0.30), e('E', 0.25), e('8', 0.10)},
		'e': {e('c', 0.15), e('3', 0.10), e('o', 0.10)},
		'E': {e('3', 0.20)},
		'c': {e('e', 0.15), e('o', 0.10)},
		'8': {e('B', 0.35)},
		'B': {e('8', 0.30)},
		'2': {e('Z', 0.20)},
		'Z': {e('2', 0.20)},
		'6': {e('b', 0.20), e('G', 0.20)},
		'b': {e('6', 0.15), e('h', 0.10)},
		'h': {e('b', 0.10), e('n', 0.10)},
		'n': {e('h', 0.10), e('u', 0.10)},
		'u': {e('n', 0.10), e('v', 0.10)},
		'v': {e('u', 0.10)},
	}
}
