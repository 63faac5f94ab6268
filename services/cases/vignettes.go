package cases

// precachedVignettes holds opening one-liners keyed by normalized organism.
// They describe a presenting complaint only: no labs, no diagnosis.
var precachedVignettes = map[string]string{
	"staphylococcus aureus":      "A 34-year-old man comes to the emergency department with four days of fever and a painful, swollen left forearm.",
	"streptococcus pneumoniae":   "A 68-year-old woman is brought in by her daughter after two days of fever, shaking chills and a cough.",
	"streptococcus pyogenes":     "A 9-year-old boy is brought to clinic with a sore throat and fever that started yesterday.",
	"escherichia coli":           "A 27-year-old woman presents with burning on urination and new pain in her right flank.",
	"klebsiella pneumoniae":      "A 59-year-old man with a long history of heavy drinking presents with fever and a productive cough.",
	"pseudomonas aeruginosa":     "A 19-year-old with a chronic lung condition reports worsening cough and more sputum over the past week.",
	"neisseria meningitidis":     "An 18-year-old college student is brought in by friends with fever, headache and confusion since this morning.",
	"neisseria gonorrhoeae":      "A 24-year-old man presents with painful urination and a discharge for the past three days.",
	"mycobacterium tuberculosis": "A 45-year-old man who recently moved from abroad reports three months of cough, night sweats and weight loss.",
	"clostridioides difficile":   "A 72-year-old woman recently treated for pneumonia develops frequent watery diarrhea.",
	"listeria monocytogenes":     "A 70-year-old man on long-term steroids is brought in with fever and new confusion.",
	"legionella pneumophila":     "A 63-year-old smoker returning from a cruise presents with fever, cough and loose stools.",
	"haemophilus influenzae":     "A 3-year-old unvaccinated child is brought in with high fever and irritability.",
	"salmonella enterica":        "A 30-year-old woman presents with fever and abdominal pain a week after returning from travel.",
	"borrelia burgdorferi":       "A 40-year-old hiker presents with fatigue, joint aches and a spreading rash on his thigh.",
	"candida albicans":           "A 55-year-old woman in the intensive care unit develops a new fever despite broad antibiotics.",
	"cryptococcus neoformans":    "A 38-year-old man presents with two weeks of worsening headache and low-grade fever.",
	"treponema pallidum":         "A 29-year-old man presents with a rash on his palms and soles and mild fevers.",
}
