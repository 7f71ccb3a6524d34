package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"trial-scout/backend/internal/graph"
	"trial-scout/backend/pkg/config"
	"trial-scout/backend/pkg/logger"
)

func main() {
	force := flag.Bool("force", false, "Wipe the pharmacology graph before seeding")
	flag.Parse()

	// Initialize logger
	if err := logger.Init("development"); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	log := logger.Get()
	log.Info("Starting pharmacology graph seeding...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize Neo4j driver
	driver, err := neo4j.NewDriverWithContext(
		cfg.Neo4jURI,
		neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPassword, ""),
	)
	if err != nil {
		log.Fatal("Failed to create Neo4j driver", zap.Error(err))
	}
	defer driver.Close(context.Background())

	// Verify connection
	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		log.Fatal("Failed to verify Neo4j connectivity", zap.Error(err))
	}

	repo := graph.NewRepository(driver)

	if *force {
		log.Info("Wiping existing pharmacology graph...")
		if err := repo.Wipe(ctx); err != nil {
			log.Fatal("Failed to wipe graph", zap.Error(err))
		}
	}

	log.Info("Creating constraints...")
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Warn("Failed to create some constraints (may already exist)", zap.Error(err))
	}

	// Protein targets, keyed by gene symbol
	targets := []graph.Target{
		{Symbol: "GPER1", Name: "G protein-coupled estrogen receptor 1", Family: "GPCR"},
		{Symbol: "ESR1", Name: "Estrogen receptor alpha", Family: "Nuclear receptor"},
		{Symbol: "ESR2", Name: "Estrogen receptor beta", Family: "Nuclear receptor"},
		{Symbol: "ABL1", Name: "Tyrosine-protein kinase ABL1", Family: "Kinase"},
		{Symbol: "KIT", Name: "Mast/stem cell growth factor receptor Kit", Family: "Kinase"},
		{Symbol: "PDGFRA", Name: "Platelet-derived growth factor receptor alpha", Family: "Kinase"},
		{Symbol: "GLP1R", Name: "Glucagon-like peptide 1 receptor", Family: "GPCR"},
		{Symbol: "PTGS1", Name: "Prostaglandin G/H synthase 1", Family: "Enzyme"},
		{Symbol: "PTGS2", Name: "Prostaglandin G/H synthase 2", Family: "Enzyme"},
		{Symbol: "PRKAA1", Name: "AMP-activated protein kinase catalytic subunit alpha-1", Family: "Kinase"},
	}

	// Compounds with their common synonyms
	drugs := []graph.Drug{
		{
			Name:     "estradiol",
			Synonyms: []string{"17beta-estradiol", "E2", "oestradiol"},
			Class:    "estrogen",
			Formula:  "C18H24O2",
			Approval: "1975",
		},
		{
			Name:     "raloxifene",
			Synonyms: []string{"keoxifene"},
			Class:    "selective estrogen receptor modulator",
			Formula:  "C28H27NO4S",
			Approval: "1997",
		},
		{
			Name:     "imatinib",
			Synonyms: []string{"STI-571", "imatinib mesylate"},
			Class:    "tyrosine kinase inhibitor",
			Formula:  "C29H31N7O",
			Approval: "2001",
		},
		{
			Name:     "semaglutide",
			Synonyms: []string{"NN-9535"},
			Class:    "GLP-1 receptor agonist",
			Formula:  "C187H291N45O59",
			Approval: "2017",
		},
		{
			Name:     "aspirin",
			Synonyms: []string{"acetylsalicylic acid", "ASA"},
			Class:    "NSAID",
			Formula:  "C9H8O4",
			Approval: "1950",
		},
		{
			Name:     "metformin",
			Synonyms: []string{"dimethylbiguanide"},
			Class:    "biguanide",
			Formula:  "C4H11N5",
			Approval: "1995",
		},
	}

	// Mechanisms: drug -> target with action and reported affinity
	mechanisms := []struct {
		drug     string
		symbol   string
		action   string
		affinity string
	}{
		{"estradiol", "GPER1", "agonist", "Ki 3.3 nM"},
		{"estradiol", "ESR1", "agonist", "Ki 0.1 nM"},
		{"estradiol", "ESR2", "agonist", "Ki 0.15 nM"},
		{"raloxifene", "ESR1", "modulator", "IC50 0.2 nM"},
		{"raloxifene", "GPER1", "agonist", ""},
		{"imatinib", "ABL1", "inhibitor", "IC50 25 nM"},
		{"imatinib", "KIT", "inhibitor", "IC50 100 nM"},
		{"imatinib", "PDGFRA", "inhibitor", "IC50 71 nM"},
		{"semaglutide", "GLP1R", "agonist", "EC50 6.2 pM"},
		{"aspirin", "PTGS1", "inhibitor", "IC50 1.67 uM"},
		{"aspirin", "PTGS2", "inhibitor", "IC50 278 uM"},
		{"metformin", "PRKAA1", "activator", ""},
	}

	// Approved or widely recognized indications
	indications := []struct {
		drug      string
		condition string
	}{
		{"estradiol", "menopausal vasomotor symptoms"},
		{"estradiol", "osteoporosis prevention"},
		{"raloxifene", "postmenopausal osteoporosis"},
		{"raloxifene", "breast cancer risk reduction"},
		{"imatinib", "chronic myeloid leukemia"},
		{"imatinib", "gastrointestinal stromal tumor"},
		{"semaglutide", "type 2 diabetes mellitus"},
		{"semaglutide", "obesity"},
		{"aspirin", "pain"},
		{"aspirin", "secondary cardiovascular prevention"},
		{"metformin", "type 2 diabetes mellitus"},
	}

	for _, target := range targets {
		log.Info("Upserting target", zap.String("symbol", target.Symbol))
		if err := repo.UpsertTarget(ctx, target); err != nil {
			log.Fatal("Failed to upsert target", zap.String("symbol", target.Symbol), zap.Error(err))
		}
	}

	for _, drug := range drugs {
		log.Info("Upserting drug", zap.String("drug", drug.Name))
		if err := repo.UpsertDrug(ctx, drug); err != nil {
			log.Fatal("Failed to upsert drug", zap.String("drug", drug.Name), zap.Error(err))
		}
	}

	for _, m := range mechanisms {
		if err := repo.LinkDrugTarget(ctx, m.drug, m.symbol, m.action, m.affinity); err != nil {
			log.Fatal("Failed to link drug to target",
				zap.String("drug", m.drug),
				zap.String("symbol", m.symbol),
				zap.Error(err),
			)
		}
	}

	for _, ind := range indications {
		if err := repo.LinkIndication(ctx, ind.drug, ind.condition); err != nil {
			log.Fatal("Failed to link indication",
				zap.String("drug", ind.drug),
				zap.String("condition", ind.condition),
				zap.Error(err),
			)
		}
	}

	// Verify what landed
	stats, err := repo.Stats(ctx)
	if err != nil {
		log.Fatal("Failed to verify seeded graph", zap.Error(err))
	}
	log.Info("Pharmacology graph seeded",
		zap.Int64("drugs", stats["drugs"]),
		zap.Int64("targets", stats["targets"]),
		zap.Int64("conditions", stats["conditions"]),
		zap.Int64("links", stats["links"]),
	)

	log.Info("Seed completed. The graph is ready to query!")
}
