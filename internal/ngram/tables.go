package ngram

import (
	"math"
	"strings"
)

// Built-in tables are derived from small seed vocabularies of words common
// in business and administrative documents. Trigram frequency within the
// padded seed words maps onto log-probabilities between -3.0 and -0.5.
const (
	bestKnownScore  = -0.5
	worstKnownScore = -3.0
	invalidScore    = -12.0
)

var arabicSeed = `
في من على إلى عن مع هذا هذه التي الذي كان كانت بين بيت بيوت كتاب كتب رقم الرقم
تاريخ التاريخ فاتورة الفاتورة مبلغ المبلغ الإجمالي اسم الاسم عنوان العنوان شركة الشركة
عقد العقد سعر السعر كمية الكمية المجموع ضريبة الضريبة القيمة المضافة دفع الدفع حساب
الحساب بنك البنك مدينة المدينة الرياض دبي القاهرة المملكة العربية السعودية الإمارات مصر
يوم اليوم شهر الشهر سنة السنة عام العام وزارة الوزارة الصحة التعليم طالب الطالب مدرسة
المدرسة جامعة الجامعة محمد أحمد علي عبد الله الرحمن سلام السلام شكرا مرحبا نعم كل بعض
قبل بعد عند حتى لكن ثم هو هي نحن أنت أنا هم له لها به بها وقت الوقت عمل العمل موظف
الموظف مدير المدير الإدارة قسم القسم رسالة الرسالة طلب الطلب توقيع التوقيع ختم صفحة
الصفحة بيان البيان تفاصيل الخدمة خدمة خدمات المنتج منتج العميل عميل هاتف الهاتف بريد
البريد الإلكتروني رئيس مجلس إدارة تقرير التقرير نتيجة النتائج معلومات المعلومات بيانات
البيانات مستند المستند نسخة أصل شهادة الشهادة ميلاد الميلاد جنسية الجنسية هوية الهوية
وطنية الوطنية إقامة مكتب المكتب شارع الشارع حي منطقة المنطقة دولة الدولة حكومة الحكومة
`

var englishSeed = `
the and of to in is for on with that this by from at as be are was it an or not have
has had will can all any one two three invoice number date total amount due payment
bank account name address company contract price quantity tax value added customer
order page signature home house office report section item description balance credit
debit receipt phone email street city country year month day reference code unit
service services product products client manager department letter request stamp
statement details document copy original certificate birth nationality identity
national residence region state government ministry health education student school
university information data result results subtotal discount net gross currency
transfer branch number code issued expiry valid period terms conditions approved
`

func arabicLetters() []rune {
	var out []rune
	for r := 'ء'; r <= 'ي'; r++ {
		if r >= 'ػ' && r <= 'ـ' {
			continue
		}
		out = append(out, r)
	}
	return out
}

// NewArabic returns the built-in Arabic model.
func NewArabic() *Model {
	invalid := make(map[string]float64)
	letters := arabicLetters()
	// ta marbuta and alef maksura only close a word
	for _, closer := range []rune{'ة', 'ى'} {
		for _, x := range letters {
			for _, y := range letters {
				invalid[string([]rune{x, closer, y})] = invalidScore
			}
			invalid[string([]rune{' ', closer, x})] = invalidScore
		}
	}
	for _, x := range letters {
		invalid[string([]rune{x, x, x})] = invalidScore
	}
	return NewWithTables("ar", seedTable(arabicSeed), invalid, DefaultScore)
}

// NewEnglish returns the built-in English model.
func NewEnglish() *Model {
	invalid := make(map[string]float64)
	// lookalike digits wedged between letters are almost always misreads
	for x := 'a'; x <= 'z'; x++ {
		for _, d := range "01358" {
			for y := 'a'; y <= 'z'; y++ {
				invalid[string([]rune{x, d, y})] = invalidScore
			}
			invalid[string([]rune{x, d, ' '})] = invalidScore
		}
		invalid[string([]rune{x, x, x})] = invalidScore
	}
	return NewWithTables("en", seedTable(englishSeed), invalid, DefaultScore)
}

func seedTable(seed string) map[string]float64 {
	counts := make(map[string]int)
	maxCount := 0
	for _, word := range strings.Fields(seed) {
		padded := []rune(" " + word + " ")
		for i := 0; i+3 <= len(padded); i++ {
			tri := string(padded[i : i+3])
			counts[tri]++
			if counts[tri] > maxCount {
				maxCount = counts[tri]
			}
		}
	}
	table := make(map[string]float64, len(counts))
	for tri, c := range counts {
		score := bestKnownScore + math.Log(float64(c)/float64(maxCount))
		table[tri] = math.Max(worstKnownScore, score)
	}
	return table
}
