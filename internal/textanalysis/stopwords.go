package textanalysis

import "strings"

const englishStopwords = `a about above after again against all am an and any are as at be because
been before being below between both but by can could did do does doing down during each few for
from further had has have having he her here hers herself him himself his how i if in into is it its
itself just me more most my myself no nor not now of off on once only or other our ours ourselves out
over own same she should so some such than that the their theirs them themselves then there these
they this those through to too under until up very was we were what when where which while who whom
why will with would you your yours yourself yourselves also one two may might must shall upon`

const spanishStopwords = `de la que el en y a los del se las por un para con no una su al lo como
mas pero sus le ya o este si porque esta entre cuando muy sin sobre tambien me hasta hay donde quien
desde todo nos durante todos uno les ni contra otros ese eso ante ellos e esto mi antes algunos que
unos yo otro otras otra el tanto esa estos mucho quienes nada muchos cual poco ella estar estas algunas
algo nosotros mis tu te ti tus ellas nosotras vosotros vosotras os mio mia mios mias tuyo tuya tuyos
tuyas suyo suya suyos suyas nuestro nuestra nuestros nuestras vuestro vuestra vuestros vuestras esos
esas estoy estas esta estamos estais estan fue fueron era eran ser es son sido siendo ha han habia
habian haber he hemos tiene tienen tenia tenian fuera sea sean asi aunque cada entonces luego segun`

var stopwords = buildStopwords(englishStopwords, spanishStopwords)

func buildStopwords(lists ...string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, list := range lists {
		for _, w := range strings.Fields(list) {
			set[w] = struct{}{}
			set[foldAccents(w)] = struct{}{}
		}
	}
	return set
}

// IsStopword reports whether w (lowercase) is an English or Spanish stop
// word. Accented spellings match their unaccented entries.
func IsStopword(w string) bool {
	if _, ok := stopwords[w]; ok {
		return true
	}
	_, ok := stopwords[foldAccents(w)]
	return ok
}

func foldAccents(w string) string {
	return FoldDiacritics(w)
}
